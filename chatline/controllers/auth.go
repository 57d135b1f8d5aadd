package controllers

import (
	"chatline/chatline/services/auth"
	"chatline/chatline/sources/psql/dao"
	"chatline/chatline/sources/psql/models"
	"chatline/chatline/types"
	"chatline/chatline/utils/logging"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
)

type AuthController struct {
	userDAO    *dao.UserDAO
	verifier   *auth.Verifier
	bcryptCost int
	now        func() time.Time
}

func NewAuthController(userDAO *dao.UserDAO, verifier *auth.Verifier) *AuthController {
	return &AuthController{
		userDAO:    userDAO,
		verifier:   verifier,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
}

// Register creates an account. Duplicate emails return dao.ErrEmailTaken.
func (c *AuthController) Register(ctx context.Context, req types.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), c.bcryptCost)
	if err != nil {
		return nil, err
	}
	user := &models.User{
		UID:          uuid.NewString(),
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
	}
	if err := c.userDAO.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	logging.AppLogger.Info("user registered", zap.String("uid", user.UID))
	return user, nil
}

// Login checks the password and returns a fresh token for the user.
func (c *AuthController) Login(ctx context.Context, req types.LoginRequest) (string, *models.User, error) {
	user, err := c.userDAO.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return "", nil, err
	}
	if user == nil || user.PasswordHash == "" {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	now := c.now().UTC()
	if err := c.userDAO.TouchLastLogin(ctx, user.UID, now); err != nil {
		// a stale last_login_at is not worth failing the login over
		logging.ErrorLogger.Error("failed to update last login", zap.String("uid", user.UID), zap.Error(err))
	} else {
		user.LastLoginAt = &now
	}

	token, err := c.verifier.Issue(user.UID, user.Email)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Authenticate verifies a bearer token and makes sure the caller has a
// profile, creating one from the token claims if it went missing.
func (c *AuthController) Authenticate(ctx context.Context, token string) (*models.User, error) {
	claims, err := c.verifier.Parse(ctx, token)
	if err != nil {
		return nil, err
	}
	email := claims.Email
	if email == "" {
		email = claims.Subject + "@users.invalid"
	}
	return c.userDAO.EnsureUser(ctx, claims.Subject, email, nil)
}

// Profile returns the stored profile for uid.
func (c *AuthController) Profile(ctx context.Context, uid string) (*models.User, error) {
	user, err := c.userDAO.GetUserByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
