package objstore

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestMapS3Error(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, ErrNotFound},
		{"status 404", minio.ErrorResponse{StatusCode: http.StatusNotFound}, ErrNotFound},
		{"precondition", minio.ErrorResponse{Code: "PreconditionFailed", StatusCode: http.StatusPreconditionFailed}, ErrPreconditionFailed},
		{"status 412", minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}, ErrPreconditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapS3Error(tt.err, "get k"), tt.want)
		})
	}
}

func TestMapS3Error_Other(t *testing.T) {
	err := mapS3Error(fmt.Errorf("connection refused"), "put k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrPreconditionFailed)
	assert.Contains(t, err.Error(), "objstore: put k")
}
