// Package models はアプリケーションで使用するデータ構造を定義します
// すべて値オブジェクトで、取得のたびに新しく生成されます
package models

import "time"

// UserRef はルームのホストや参加者を表示用に表します
// 完全なユーザー情報ではなく、Roomへ値としてコピーされます
type UserRef struct {
	ID          string `json:"id"`                    // ユーザーの一意な識別子
	Username    string `json:"username"`              // 表示用ユーザー名（legacy_cid優先）
	AvatarImage string `json:"avatarImage,omitempty"` // アバター画像URL（オプショナル）
}

// Room はアップストリームのルーム情報を表します
// 数値の欠損は0、文字列の欠損は空文字で埋められます
type Room struct {
	ID           string    `json:"id"`           // ルームID（"105959787-406" のような複合IDもある）
	Name         string    `json:"name"`         // ルーム名
	Capacity     int       `json:"capacity"`     // 最大人数
	Description  string    `json:"description"`  // 説明文
	CurrentUsers int       `json:"currentUsers"` // 現在の参加人数
	Privacy      string    `json:"privacy"`      // 公開設定
	Rating       string    `json:"rating"`       // レーティング
	Host         *UserRef  `json:"host"`         // ホスト（不明な場合はnil）
	Users        []UserRef `json:"users"`        // 参加者一覧（アップストリームの順序を保持）
}

// RoomRef はプレゼンス用の軽量なルーム参照です
type RoomRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Privacy     string `json:"privacy"`
	Description string `json:"description,omitempty"`
}

// Ref はRoomからRoomRefを作ります
func (r Room) Ref() RoomRef {
	return RoomRef{ID: r.ID, Name: r.Name, Privacy: r.Privacy, Description: r.Description}
}

// User はユーザー検索の結果を表します
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarImage string `json:"avatarImage,omitempty"`
	Online      bool   `json:"online"`
	Registered  int64  `json:"registered,omitempty"` // 登録日時（Unixタイムスタンプ）
	Country     string `json:"country,omitempty"`
}

// PresenceSnapshot は監視対象ユーザーのある時点の状態です
// ポーリングのたびに丸ごと置き換えられ、部分的に更新されることはありません
type PresenceSnapshot struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarImage string    `json:"avatarImage,omitempty"`
	Online      bool      `json:"online"`
	CurrentRoom *RoomRef  `json:"currentRoom"` // ルームにいない場合はnil
	RoomUsers   []string  `json:"roomUsers"`   // 現在のルームの参加者名
	Timestamp   time.Time `json:"timestamp"`
}

// RoomID は現在のルームIDを返します。ルームにいない場合は空文字です
func (s PresenceSnapshot) RoomID() string {
	if s.CurrentRoom == nil {
		return ""
	}
	return s.CurrentRoom.ID
}

// RoomVisit はユーザーの入室履歴の1件です
type RoomVisit struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Privacy     string    `json:"privacy"`
	Rating      string    `json:"rating"`
	VisitedAt   time.Time `json:"visitedAt"`
}

// Friend はフレンド一覧の1件です。ここから監視を始められます
type Friend struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
	AvatarImage string `json:"avatarImage,omitempty"`
}

// UserDetail はユーザー検索の結果に現在のルームとフレンドを加えたものです
type UserDetail struct {
	User
	CurrentRoom *Room    `json:"currentRoom"` // ルームにいない場合はnil
	Friends     []Friend `json:"friends"`     // 取得できなかった場合は空
}

// UserHistory はユーザーの最近のルーム履歴です
type UserHistory struct {
	User        User        `json:"user"`
	CurrentRoom *RoomRef    `json:"currentRoom"`
	Rooms       []RoomVisit `json:"rooms"` // 新しい順、最大5件
}

// MonitorStatus は監視リストの1件です
type MonitorStatus struct {
	Username string            `json:"username"`
	State    string            `json:"state"`          // starting / polling / stopped
	Last     *PresenceSnapshot `json:"last,omitempty"` // 最後に観測したプレゼンス
}
