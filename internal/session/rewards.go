package session

import (
	"sort"
	"time"

	"github.com/bepresent/presentd/internal/config"
)

// Tier maps an elapsed-minutes ceiling to a base reward.
type Tier struct {
	UpToMinutes int
	XP          int
	Coins       int
}

// RewardTable computes session rewards from elapsed focus time. It is pure:
// no I/O, no clock, so the full input space is unit-testable.
type RewardTable struct {
	Tiers           []Tier
	OverflowXP      int
	OverflowCoins   int
	BeastMultiplier int
}

// DefaultRewardTable mirrors the shipped product's tiers.
func DefaultRewardTable() RewardTable {
	return RewardTable{
		Tiers: []Tier{
			{UpToMinutes: 15, XP: 3, Coins: 3},
			{UpToMinutes: 30, XP: 5, Coins: 5},
			{UpToMinutes: 45, XP: 8, Coins: 8},
			{UpToMinutes: 60, XP: 10, Coins: 10},
			{UpToMinutes: 90, XP: 15, Coins: 15},
		},
		OverflowXP:      25,
		OverflowCoins:   25,
		BeastMultiplier: 2,
	}
}

// RewardTableFromConfig builds a reward table from configuration.
func RewardTableFromConfig(cfg config.RewardsConfig) RewardTable {
	table := RewardTable{
		OverflowXP:      cfg.OverflowXP,
		OverflowCoins:   cfg.OverflowCoins,
		BeastMultiplier: cfg.BeastMultiplier,
	}
	for _, tier := range cfg.Tiers {
		table.Tiers = append(table.Tiers, Tier{
			UpToMinutes: tier.UpToMinutes,
			XP:          tier.XP,
			Coins:       tier.Coins,
		})
	}
	sort.Slice(table.Tiers, func(i, j int) bool {
		return table.Tiers[i].UpToMinutes < table.Tiers[j].UpToMinutes
	})
	return table
}

// Compute maps elapsed focus time to (xp, coins). Zero elapsed time earns
// nothing. Beast mode applies the fixed multiplier on top of the tier value.
func (t RewardTable) Compute(elapsed time.Duration, beastMode bool) (xp, coins int) {
	if elapsed <= 0 {
		return 0, 0
	}

	minutes := int(elapsed.Minutes())
	xp, coins = t.OverflowXP, t.OverflowCoins
	for _, tier := range t.Tiers {
		if minutes <= tier.UpToMinutes {
			xp, coins = tier.XP, tier.Coins
			break
		}
	}

	if beastMode {
		mult := t.BeastMultiplier
		if mult < 1 {
			mult = 1
		}
		xp *= mult
		coins *= mult
	}
	return xp, coins
}
