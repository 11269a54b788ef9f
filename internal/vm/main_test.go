package vm

import (
	"testing"

	"go.uber.org/goleak"

	"vmservice/internal/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init(logger.Config{Level: "disabled"})
	goleak.VerifyTestMain(m)
}
