package handlers

import "fmt"

// validateUsername はユーザー名のバリデーションを行います
// ユーザー名が空の場合はエラーを返します
func validateUsername(username string) error {
	if normalizeID(username) == "" {
		return fmt.Errorf("username required")
	}
	return nil
}

// validateRoomId はルームIDのバリデーションを行います
// ルームIDが空の場合はエラーを返します
func validateRoomId(roomId string) error {
	if normalizeID(roomId) == "" {
		return fmt.Errorf("roomId required")
	}
	return nil
}
