package response

import (
	"Kaarigar/internal/api/dto"
	"Kaarigar/internal/pkg/partition"
	"Kaarigar/internal/service"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, err error) (*httptest.ResponseRecorder, dto.Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	Error(c, err)

	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestError_WrappedSentinelsUseFirstInOrder(t *testing.T) {
	unavailable := fmt.Errorf("%w: %w", service.ErrPartitionUnavailable, partition.ErrUnavailable)
	err := fmt.Errorf("%w: %w", service.ErrUserNotFound, unavailable)

	for i := 0; i < 20; i++ {
		w, resp := render(t, err)
		assert.Equal(t, ServiceUnavailable, resp.Code)
		assert.Equal(t, service.ErrPartitionUnavailable.Error(), resp.Message)
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
	}
}

func TestError_UnknownErrorHidesDetail(t *testing.T) {
	_, resp := render(t, errors.New("mongo: connection string leaked"))
	assert.Equal(t, InternalServerError, resp.Code)
	assert.Equal(t, service.UnExpectedError.Error(), resp.Message)
}

func TestError_WrappedNotFound(t *testing.T) {
	_, resp := render(t, fmt.Errorf("conversation c1: %w", service.ErrConversationNotFound))
	assert.Equal(t, NotFound, resp.Code)
	assert.Equal(t, service.ErrConversationNotFound.Error(), resp.Message)
}
