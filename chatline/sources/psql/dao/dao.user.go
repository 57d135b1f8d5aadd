package dao

import (
	"chatline/chatline/sources/psql/models"
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrEmailTaken = errors.New("an account with this email already exists")

type UserDAO struct {
	DB *gorm.DB
}

func NewUserDAO(db *gorm.DB) *UserDAO {
	return &UserDAO{DB: db}
}

func (dao *UserDAO) GetUserByUID(ctx context.Context, uid string) (*models.User, error) {
	var user models.User
	err := dao.DB.WithContext(ctx).Where("uid = ?", uid).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (dao *UserDAO) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := dao.DB.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts a new profile, refusing duplicate emails.
func (dao *UserDAO) CreateUser(ctx context.Context, user *models.User) error {
	existing, err := dao.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrEmailTaken
	}
	return dao.DB.WithContext(ctx).Create(user).Error
}

// EnsureUser returns the profile for uid, creating it from the given fields
// when it does not exist yet. The common path is a single read.
func (dao *UserDAO) EnsureUser(ctx context.Context, uid, email string, displayName *string) (*models.User, error) {
	user, err := dao.GetUserByUID(ctx, uid)
	if err != nil || user != nil {
		return user, err
	}
	created := models.User{UID: uid, Email: email, DisplayName: displayName}
	if err := dao.DB.WithContext(ctx).
		Where(models.User{UID: uid}).
		Attrs(created).
		FirstOrCreate(&created).Error; err != nil {
		return nil, err
	}
	return &created, nil
}

func (dao *UserDAO) TouchLastLogin(ctx context.Context, uid string, at time.Time) error {
	return dao.DB.WithContext(ctx).
		Model(&models.User{}).
		Where("uid = ?", uid).
		Update("last_login_at", at).Error
}
