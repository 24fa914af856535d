package config

import (
	"fmt"

	"github.com/tolelom/modality/mining"
)

// CreateGenesisBlock builds block #0 from the config's initial nomination
// list. Genesis is mined at InitialDifficulty (conventionally 1, which every
// hash satisfies) so no proof-of-work search is needed to produce it.
func CreateGenesisBlock(cfg *Config, timestamp int64) (*mining.Block, error) {
	if len(cfg.Genesis.InitialNominations) == 0 {
		return nil, fmt.Errorf("genesis: initial_nominations must not be empty")
	}
	block, err := mining.NewUnsolvedBlock(0, mining.GenesisHash, cfg.Genesis.InitialDifficulty, cfg.Genesis.InitialNominations[0], 0, timestamp)
	if err != nil {
		return nil, fmt.Errorf("build genesis block: %w", err)
	}
	block.Hash = block.ComputeHash()
	if !block.MeetsDifficulty() {
		return nil, fmt.Errorf("genesis: initial_difficulty %d not trivially satisfied, lower it or mine genesis normally", cfg.Genesis.InitialDifficulty)
	}
	return block, nil
}
