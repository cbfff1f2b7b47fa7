package resolve

import (
	"fmt"
	"strings"

	"github.com/SteamVC/RoomWatch/internal/graph"
	"github.com/SteamVC/RoomWatch/internal/models"
)

// 参加者の取得元はアップストリームで安定していないため、名前付きの戦略を設定順に試します
const (
	StrategyOccupants = "occupants" // relations.occupants
	StrategyMembers   = "members"   // relations.members
	StrategyInline    = "inline"    // data.users / data.occupants / data.members
)

// DefaultOccupantStrategies は既定の試行順です
var DefaultOccupantStrategies = []string{StrategyOccupants, StrategyMembers, StrategyInline}

// inlineFields はinline戦略が見るdataフィールドです
var inlineFields = []string{"users", "occupants", "members"}

// occupantStrategy はルームから参加者を探します
// 2つ目の戻り値は取得元が存在したか（空でも存在すれば確定）です
type occupantStrategy func(g *graph.Graph, room *graph.Resource) ([]models.UserRef, bool)

var occupantStrategies = map[string]occupantStrategy{
	StrategyOccupants: relationStrategy("occupants"),
	StrategyMembers:   relationStrategy("members"),
	StrategyInline:    inlineStrategy,
}

func lookupStrategies(names []string) ([]occupantStrategy, error) {
	if len(names) == 0 {
		names = DefaultOccupantStrategies
	}
	out := make([]occupantStrategy, 0, len(names))
	for _, name := range names {
		s, ok := occupantStrategies[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown occupant strategy %q", name)
		}
		out = append(out, s)
	}
	return out, nil
}

func relationStrategy(name string) occupantStrategy {
	return func(g *graph.Graph, room *graph.Resource) ([]models.UserRef, bool) {
		if _, ok := room.Relation(name); !ok {
			return nil, false
		}
		targets := g.ResolveRelation(room, name)
		refs := make([]models.UserRef, 0, len(targets))
		for _, t := range targets {
			refs = append(refs, UserRefFrom(t, OccupantPlaceholder))
		}
		return refs, true
	}
}

// inlineStrategy はdata内の配列を見ます。要素はキー文字列かユーザーオブジェクトです
func inlineStrategy(g *graph.Graph, room *graph.Resource) ([]models.UserRef, bool) {
	for _, field := range inlineFields {
		items, ok := room.Field(field).([]any)
		if !ok {
			continue
		}
		refs := make([]models.UserRef, 0, len(items))
		for _, item := range items {
			switch v := item.(type) {
			case string:
				if r, ok := g.Lookup(v); ok {
					refs = append(refs, UserRefFrom(r, OccupantPlaceholder))
				}
			case map[string]any:
				r := graph.NewResource("", v, nil)
				refs = append(refs, UserRefFrom(&r, OccupantPlaceholder))
			}
		}
		return refs, true
	}
	return nil, false
}
