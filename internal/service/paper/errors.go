package paper

import (
	"errors"
	"fmt"
	"net/http"

	"paperlens/internal/fetch"
	"paperlens/internal/service/llm"
	"paperlens/internal/worker"
)

// ValidationError is a request the service refuses before doing any work.
type ValidationError struct {
	Status int
	Msg    string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func notFound(msg string, err error) error {
	return &ValidationError{Status: http.StatusNotFound, Msg: msg, Err: err}
}

func badRequest(msg string) error {
	return &ValidationError{Status: http.StatusBadRequest, Msg: msg}
}

// describe turns a failure into the text of an error event.
func describe(stage string, err error) string {
	var (
		fe *fetch.Error
		le *llm.Error
	)
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return "服务繁忙，请稍后重试"
	case errors.As(err, &fe):
		return fmt.Sprintf("%s失败，已重试 %d 次: %s", stage, fe.Attempts, fe.Locator)
	case errors.As(err, &le):
		return fmt.Sprintf("模型调用失败: %v", le.Err)
	default:
		return fmt.Sprintf("%s失败: %v", stage, err)
	}
}
