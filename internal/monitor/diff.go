package monitor

import "github.com/SteamVC/RoomWatch/internal/models"

// Change は2回のポーリング結果の差分1件です
type Change struct {
	Type      EventType
	Direction Direction
	From      *models.RoomRef
	To        *models.RoomRef
}

// Diff は前回と今回のスナップショットを比較して変化を返します
// prevがnil（初回）の場合は基準を作るだけなので何も返しません
//
// オンライン状態が反転したらpresence_changedを返します
// 今回オンラインで、ルームIDが前回と違えばroom_changedを返します（ルームなしへの移動も含む）
func Diff(prev *models.PresenceSnapshot, next models.PresenceSnapshot) []Change {
	if prev == nil {
		return nil
	}
	var changes []Change
	if prev.Online != next.Online {
		dir := BecameOffline
		if next.Online {
			dir = BecameOnline
		}
		changes = append(changes, Change{Type: EventPresenceChanged, Direction: dir})
	}
	if next.Online && prev.RoomID() != next.RoomID() {
		changes = append(changes, Change{
			Type: EventRoomChanged,
			From: cloneRef(prev.CurrentRoom),
			To:   cloneRef(next.CurrentRoom),
		})
	}
	return changes
}

func cloneRef(r *models.RoomRef) *models.RoomRef {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
