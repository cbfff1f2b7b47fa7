// Package relay はルームのチャットストリームをメッセージキューから中継します
// 1ルームにつき1つのSessionが、接続・認証・購読のハンドシェイクを状態遷移表に従って進めます
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Jeffail/gabs"
)

// カスタムエラー定義
var (
	ErrRoomIDRequired = errors.New("relay: room id required")
	ErrRoomBusy       = errors.New("relay: room already subscribed")
	ErrAuthFailed     = errors.New("relay: message queue rejected credentials")
)

// アップストリームのフレーム種別
const (
	FrameConnect        = "msg_c2g_connect"
	FrameOpenFloodgates = "msg_c2g_open_floodgates"
	FrameSubscribe      = "msg_c2g_subscribe"
	FrameResult         = "msg_g2c_result"
	FrameRecvMessage    = "msg_g2c_recv_message"
	FrameStateChange    = "msg_g2c_state_change"
)

// State はリレーセッションの状態です
type State int

const (
	Connecting State = iota
	Authenticating
	Subscribed
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Subscribed:
		return "subscribed"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Frame はアップストリームへ送るフレームです
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type connectData struct {
	UserID   string         `json:"user_id"`
	Cookie   string         `json:"cookie"`
	Metadata map[string]any `json:"metadata"`
}

func connectFrame(userID, token string) Frame {
	return Frame{Type: FrameConnect, Data: connectData{UserID: userID, Cookie: token, Metadata: map[string]any{}}}
}

func openFloodgatesFrame() Frame {
	return Frame{Type: FrameOpenFloodgates, Data: map[string]any{}}
}

func subscribeFrame(roomID string) Frame {
	return Frame{Type: FrameSubscribe, Data: []string{QueueName(roomID)}}
}

// QueueName はルームIDから購読するキュー名を決めます
func QueueName(roomID string) string {
	return "room-" + roomID
}

// input は受信フレームを遷移表で引くための分類です
type input int

const (
	inUnknown input = iota
	inAuthOK
	inAuthFailed
	inMessage
	inState
)

// action は遷移時に行う処理です
type action int

const (
	actSubscribe action = iota + 1
	actFail
	actForwardMessage
	actForwardState
)

type transition struct {
	next State
	act  action
}

// transitions に無い (状態, 入力) の組み合わせは何もしません
// 購読前に届いたメッセージや、購読後の認証結果はここで捨てられます
var transitions = map[State]map[input]transition{
	Authenticating: {
		inAuthOK:     {next: Subscribed, act: actSubscribe},
		inAuthFailed: {next: Failed, act: actFail},
	},
	Subscribed: {
		inMessage: {next: Subscribed, act: actForwardMessage},
		inState:   {next: Subscribed, act: actForwardState},
	},
}

func lookup(s State, in input) (transition, bool) {
	tr, ok := transitions[s][in]
	return tr, ok
}

// inbound は受信フレームの分類結果です
type inbound struct {
	kind    input
	typ     string
	data    json.RawMessage
	errText string
}

// classify は受信したバイト列をフレームとして解釈します
// JSONとして読めないものや未知の種別は inUnknown になります
func classify(p []byte) inbound {
	doc, err := gabs.ParseJSON(p)
	if err != nil {
		return inbound{kind: inUnknown}
	}
	typ, _ := doc.Path("type").Data().(string)
	in := inbound{typ: typ, data: rawData(doc)}

	switch typ {
	case FrameResult:
		if e, failed := resultError(doc.Path("data.error").Data()); failed {
			in.kind, in.errText = inAuthFailed, e
		} else {
			in.kind = inAuthOK
		}
	case FrameRecvMessage:
		in.kind = inMessage
	case FrameStateChange:
		in.kind = inState
	}
	return in
}

func rawData(doc *gabs.Container) json.RawMessage {
	v := doc.Path("data").Data()
	if v == nil {
		return json.RawMessage("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// resultError は認証結果のdata.errorが失敗を示しているかを判定します
// 空文字・false・nullは成功として扱います
func resultError(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case bool:
		return "", t
	case string:
		return t, strings.TrimSpace(t) != ""
	case float64:
		return fmt.Sprint(t), t != 0
	}
	b, _ := json.Marshal(v)
	return string(b), true
}
