package imvu

import (
	"errors"
	"fmt"
	"net/http"
)

// カスタムエラー定義
var (
	ErrMissingSession  = errors.New("imvu: session token and account id required")
	ErrInvalidArgument = errors.New("imvu: invalid argument")
	ErrNotFound        = errors.New("imvu: not found")
	ErrUpstreamFailure = errors.New("imvu: upstream reported failure")
)

// StatusError はアップストリームの失敗を表します
// 診断のためにHTTPステータスを保持します
type StatusError struct {
	Op         string // 呼び出した操作（"fetch room" など）
	StatusCode int    // HTTPステータス
	Message    string // アップストリームのmessage、またはボディの先頭
	Failure    bool   // HTTP 2xx でも status: "failure" が返った場合
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("imvu: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("imvu: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Is は errors.Is(err, ErrNotFound) / errors.Is(err, ErrUpstreamFailure) を可能にします
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUpstreamFailure:
		return e.Failure
	}
	return false
}

// StatusCode はエラーチェーンからアップストリームのHTTPステータスを取り出します
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
