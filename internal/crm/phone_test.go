package crm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"5511988887777", "5511988887777", false},
		{"+55 (11) 98888-7777", "5511988887777", false},
		{"(11) 98888-7777", "5511988887777", false},
		{"011 3333-4444", "551133334444", false},
		{"14155550123", "5514155550123", false},
		{"447700900123", "447700900123", false},
		{"", "", true},
		{"12345", "", true},
		{"1234567890123456", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizePhone(tt.raw)
		if tt.wantErr {
			assert.True(t, errors.Is(err, ErrInvalidPhone), tt.raw)
			continue
		}
		assert.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}
