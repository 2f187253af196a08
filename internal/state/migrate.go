package state

import (
	"fmt"
	"log/slog"
	"time"
)

// migration upgrades a raw document by exactly one version.
type migration struct {
	to    string
	apply func(raw map[string]any) error
}

// migrations is keyed by the version a step upgrades from.
var migrations = map[string]migration{
	"1.0": {to: "1.1", apply: addRiskSection},
	"1.1": {to: "2.0", apply: expandMetadata},
}

// knownVersion reports whether v is current or part of the chain.
func knownVersion(chain map[string]migration, v string) bool {
	if v == CurrentVersion {
		return true
	}
	if _, ok := chain[v]; ok {
		return true
	}
	for _, m := range chain {
		if m.to == v {
			return true
		}
	}
	return false
}

// migrate walks the chain from the document's version to CurrentVersion.
// A version without a next link fails the whole migration.
func migrate(raw map[string]any, chain map[string]migration) (from string, err error) {
	meta := raw["metadata"].(map[string]any)
	from, _ = meta["version"].(string)
	version := from

	for steps := 0; version != CurrentVersion; steps++ {
		if steps > len(chain) {
			return from, fmt.Errorf("migration chain from %s does not terminate", from)
		}
		m, ok := chain[version]
		if !ok {
			return from, fmt.Errorf("no migration from version %s", version)
		}
		if err := m.apply(raw); err != nil {
			return from, fmt.Errorf("migrate %s -> %s: %w", version, m.to, err)
		}
		meta["version"] = m.to
		slog.Info("State migrated",
			slog.String("from", version),
			slog.String("to", m.to))
		version = m.to
	}
	return from, nil
}

// 1.0 had no risk section.
func addRiskSection(raw map[string]any) error {
	if _, ok := raw["risk"]; !ok {
		raw["risk"] = map[string]any{
			"active_orders": 0,
			"open_notional": "0",
			"peak_pnl":      "0",
			"max_drawdown":  "0",
		}
	}
	return nil
}

// 2.0 renamed performance.total_trades, added the market snapshot and the
// bookkeeping fields in metadata.
func expandMetadata(raw map[string]any) error {
	perf := raw["performance"].(map[string]any)
	if v, ok := perf["total_trades"]; ok {
		if _, exists := perf["total_orders"]; !exists {
			perf["total_orders"] = v
		}
		delete(perf, "total_trades")
	}

	if _, ok := raw["market_snapshot"]; !ok {
		raw["market_snapshot"] = map[string]any{}
	}

	meta := raw["metadata"].(map[string]any)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, ok := meta["created_at"]; !ok {
		meta["created_at"] = now
	}
	if _, ok := meta["updated_at"]; !ok {
		meta["updated_at"] = now
	}
	if _, ok := meta["update_count"]; !ok {
		meta["update_count"] = 0
	}
	return nil
}
