package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"device-sessions/backend/internal/security"
	sessionservice "device-sessions/backend/internal/session/service"
	userdomain "device-sessions/backend/internal/user/domain"
	userrepo "device-sessions/backend/internal/user/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors for auth service; handler maps them to HTTP codes.
var (
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrInvalidCredentials     = errors.New("invalid email or password")
	// ErrInvalidInput wraps every field validation failure.
	ErrInvalidInput = errors.New("invalid input")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
}

// SessionStarter opens a device session for an authenticated user.
type SessionStarter interface {
	Login(ctx context.Context, user *userdomain.User, in sessionservice.LoginInput) (*sessionservice.LoginResult, error)
}

// AuthService implements password registration and password login on top of the session service.
type AuthService struct {
	userRepo UserRepo
	sessions SessionStarter
	hasher   *security.Hasher
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(userRepo UserRepo, sessions SessionStarter, hasher *security.Hasher, log logrus.FieldLogger) *AuthService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuthService{
		userRepo: userRepo,
		sessions: sessions,
		hasher:   hasher,
		log:      log.WithField("component", "auth_service"),
		now:      time.Now,
	}
}

// Register creates a user with a bcrypt password hash. Tokens are not issued; the caller logs in separately.
func (s *AuthService) Register(ctx context.Context, name, email, password string) (*userdomain.User, error) {
	name = strings.TrimSpace(name)
	email = userdomain.NormalizeEmail(email)
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	existing, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailAlreadyRegistered
	}
	hashed, err := s.hasher.Hash(password)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, fmt.Errorf("%w: password is too long", ErrInvalidInput)
	}
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &userdomain.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: hashed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, userrepo.ErrEmailTaken) {
			return nil, ErrEmailAlreadyRegistered
		}
		return nil, err
	}
	s.log.WithField("user_id", user.ID).Info("user registered")
	return user, nil
}

// LoginWithPassword verifies credentials and opens a session on the caller's device.
// Unknown email and wrong password are indistinguishable to the caller.
func (s *AuthService) LoginWithPassword(ctx context.Context, email, password string, in sessionservice.LoginInput) (*sessionservice.LoginResult, error) {
	email = userdomain.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		_ = s.hasher.CompareDummy(password)
		return nil, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.sessions.Login(ctx, user, in)
}

func validateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 3 || n > 30 {
		return fmt.Errorf("%w: name must be between 3 and 30 characters", ErrInvalidInput)
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: email format is invalid", ErrInvalidInput)
	}
	return nil
}

func validatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < 6 {
		return fmt.Errorf("%w: password must be at least 6 characters", ErrInvalidInput)
	}
	if n > 50 {
		return fmt.Errorf("%w: password must not exceed 50 characters", ErrInvalidInput)
	}
	if len(password) > security.MaxPasswordBytes {
		return fmt.Errorf("%w: password must not exceed %d bytes", ErrInvalidInput, security.MaxPasswordBytes)
	}
	return nil
}
