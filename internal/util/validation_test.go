package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "http", url: "http://localhost:8001", wantErr: false},
		{name: "https", url: "https://api.example.com", wantErr: false},
		{name: "empty", url: "", wantErr: true},
		{name: "no scheme", url: "localhost:8001", wantErr: true},
		{name: "ftp", url: "ftp://example.com", wantErr: true},
		{name: "no host", url: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePort(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidatePort(8000))
	assert.Error(t, ValidatePort(0))
	assert.Error(t, ValidatePort(70000))
}

func TestValidatePositiveDuration(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidatePositiveDuration(time.Second))
	assert.Error(t, ValidatePositiveDuration(0))
	assert.Error(t, ValidatePositiveDuration(-time.Second))
}

func TestValidateCIDROrIP(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateCIDROrIP("10.0.0.0/8"))
	assert.NoError(t, ValidateCIDROrIP("127.0.0.1"))
	assert.NoError(t, ValidateCIDROrIP("::1"))
	assert.Error(t, ValidateCIDROrIP(""))
	assert.Error(t, ValidateCIDROrIP("not-an-ip"))
}
