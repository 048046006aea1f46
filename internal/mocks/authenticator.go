package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type AuthenticatorMock struct {
	mock.Mock
}

func (m *AuthenticatorMock) ValidateToken(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}
