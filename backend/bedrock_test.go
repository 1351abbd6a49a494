package backend

import (
	"errors"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/docuscale/scheduler/domain"
)

func TestClassifyBedrockErrMapsThrottlingAndTimeoutToTransient(t *testing.T) {
	for _, code := range []string{"ThrottlingException", "ServiceUnavailableException", "ModelTimeoutException"} {
		err := &smithy.GenericAPIError{Code: code, Message: "slow down"}
		assert.ErrorIs(t, classifyBedrockErr(err), domain.ErrBackendTransient)
	}
}

func TestClassifyBedrockErrMapsOtherCodesToFatal(t *testing.T) {
	err := &smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"}
	assert.ErrorIs(t, classifyBedrockErr(err), domain.ErrBackendFatal)
}

func TestClassifyBedrockErrFallsBackToTransientForUnknownErrors(t *testing.T) {
	assert.ErrorIs(t, classifyBedrockErr(errors.New("connection reset")), domain.ErrBackendTransient)
}
