// Package service 实现了核心业务逻辑。
package service

import (
	"errors"
	"fmt"

	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/pkg/hash"
	"docqa-go/pkg/log"
	"docqa-go/pkg/token"

	"gorm.io/gorm"
)

// ErrInvalidCredentials 表示用户名或密码错误。
var ErrInvalidCredentials = errors.New("用户名或密码错误")

// ErrUsernameTaken 表示用户名已被注册。
var ErrUsernameTaken = errors.New("用户名已存在")

// UserService 定义了用户相关的业务逻辑接口。
type UserService interface {
	Register(username, password string) (*model.User, error)
	Login(username, password string) (string, *model.User, error)
	GetProfile(userID uint) (*model.User, error)
}

type userService struct {
	userRepo   repository.UserRepository
	jwtManager *token.JWTManager
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository, jwtManager *token.JWTManager) UserService {
	return &userService{
		userRepo:   userRepo,
		jwtManager: jwtManager,
	}
}

// Register 注册一个新用户，密码以 bcrypt 哈希存储。
func (s *userService) Register(username, password string) (*model.User, error) {
	_, err := s.userRepo.FindByUsername(username)
	if err == nil {
		return nil, ErrUsernameTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}

	hashed, err := hash.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("密码加密失败: %w", err)
	}

	user := &model.User{
		Username: username,
		Password: hashed,
	}
	if err := s.userRepo.Create(user); err != nil {
		return nil, fmt.Errorf("创建用户失败: %w", err)
	}

	log.Infof("[UserService] 用户注册成功, Username: %s, UserID: %d", username, user.ID)
	return user, nil
}

// Login 校验用户凭证并签发 access token。
func (s *userService) Login(username, password string) (string, *model.User, error) {
	user, err := s.userRepo.FindByUsername(username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("查询用户失败: %w", err)
	}

	if !hash.CheckPassword(password, user.Password) {
		return "", nil, ErrInvalidCredentials
	}

	accessToken, err := s.jwtManager.GenerateToken(user.ID, user.Username)
	if err != nil {
		return "", nil, fmt.Errorf("生成 token 失败: %w", err)
	}
	return accessToken, user, nil
}

// GetProfile 返回用户信息。
func (s *userService) GetProfile(userID uint) (*model.User, error) {
	return s.userRepo.FindByID(userID)
}
