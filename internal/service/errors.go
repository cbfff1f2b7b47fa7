package service

import "errors"

// カスタムエラー定義
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrAlreadyWatching  = errors.New("user already monitored")
	ErrNotWatching      = errors.New("user not monitored")
	ErrUsernameRequired = errors.New("username required")
	ErrRoomIDRequired   = errors.New("roomId required")
)
