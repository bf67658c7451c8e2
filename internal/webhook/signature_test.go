package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"events":[]}`)
	secret := "s3cret"
	valid := Sign(secret, body)

	tests := []struct {
		name     string
		provided string
		wantErr  bool
	}{
		{name: "valid", provided: valid},
		{name: "prefixed", provided: "sha256=" + valid},
		{name: "surrounding space", provided: " " + valid + " "},
		{name: "empty", provided: "", wantErr: true},
		{name: "not hex", provided: "zzzz", wantErr: true},
		{name: "wrong secret", provided: Sign("other", body), wantErr: true},
		{name: "truncated", provided: valid[:10], wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(secret, body, tt.provided)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVerifySignature_BodyTampered(t *testing.T) {
	sig := Sign("k", []byte("original"))
	assert.ErrorIs(t, VerifySignature("k", []byte("tampered"), sig), ErrInvalidSignature)
}
