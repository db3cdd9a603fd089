package main

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
)

// seedFile describes reference data loaded into an empty store.
//
//	[[instruments]]
//	symbol = "ACME"
//	price = 100
//
//	[[accounts]]
//	number = 1001
//
//	[[positions]]
//	account = 1001
//	symbol = "ACME"
//	quantity = 10
//	average = "95.5"
type seedFile struct {
	Instruments []seedInstrument `toml:"instruments"`
	Accounts    []seedAccount    `toml:"accounts"`
	Positions   []seedPosition   `toml:"positions"`
}

type seedInstrument struct {
	Symbol string `toml:"symbol"`
	Price  int64  `toml:"price"`
}

type seedAccount struct {
	Number int64 `toml:"number"`
}

type seedPosition struct {
	Account  int64  `toml:"account"`
	Symbol   string `toml:"symbol"`
	Quantity int64  `toml:"quantity"`
	Average  string `toml:"average"`
}

type seedSummary struct {
	Instruments map[string]int64
	Accounts    int
	Positions   int
}

func newSeedCmd(f *rootFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load instruments, accounts and positions from a TOML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := f.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			sf, err := loadSeed(file)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			sum, err := applySeed(cmd.Context(), store, sf)
			if err != nil {
				return err
			}
			logger.Info("seed_loaded",
				zap.Any("instruments", sum.Instruments),
				zap.Int("accounts", sum.Accounts),
				zap.Int("positions", sum.Positions))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "seed.toml", "seed file")
	return cmd
}

func loadSeed(path string) (seedFile, error) {
	var sf seedFile
	if _, err := toml.DecodeFile(path, &sf); err != nil {
		return sf, errors.Wrapf(err, "decode seed %s", path)
	}
	return sf, sf.validate()
}

func (sf seedFile) validate() error {
	symbols := make(map[string]bool, len(sf.Instruments))
	for _, ins := range sf.Instruments {
		if ins.Symbol == "" {
			return errors.New("instrument without symbol")
		}
		if ins.Price < 0 {
			return errors.Newf("instrument %s: negative price", ins.Symbol)
		}
		symbols[ins.Symbol] = true
	}
	accounts := make(map[int64]bool, len(sf.Accounts))
	for _, a := range sf.Accounts {
		accounts[a.Number] = true
	}
	for _, p := range sf.Positions {
		name := fmt.Sprintf("position %d/%s", p.Account, p.Symbol)
		if !symbols[p.Symbol] {
			return errors.Newf("%s: unknown symbol", name)
		}
		if !accounts[p.Account] {
			return errors.Newf("%s: unknown account", name)
		}
		if p.Quantity <= 0 {
			return errors.Newf("%s: quantity must be positive", name)
		}
		if p.Average != "" {
			if _, err := decimal.NewFromString(p.Average); err != nil {
				return errors.Wrapf(err, "%s: average", name)
			}
		}
	}
	return nil
}

// applySeed writes sf in a single transaction.
func applySeed(ctx context.Context, store storage.Store, sf seedFile) (seedSummary, error) {
	sum := seedSummary{Instruments: make(map[string]int64, len(sf.Instruments))}
	err := storage.Update(ctx, store, func(tx storage.Tx) error {
		for _, s := range sf.Instruments {
			ins, err := tx.CreateInstrument(ctx, s.Symbol, s.Price)
			if err != nil {
				return errors.Wrapf(err, "instrument %s", s.Symbol)
			}
			sum.Instruments[s.Symbol] = ins.ID
		}

		ids := make(map[int64]int64, len(sf.Accounts))
		for _, a := range sf.Accounts {
			acc, err := tx.CreateAccount(ctx, a.Number)
			if err != nil {
				return errors.Wrapf(err, "account %d", a.Number)
			}
			ids[a.Number] = acc.ID
		}
		sum.Accounts = len(ids)

		for _, p := range sf.Positions {
			avg := decimal.Zero
			if p.Average != "" {
				avg = decimal.RequireFromString(p.Average)
			}
			pos := &core.Position{
				AccountID:    ids[p.Account],
				InstrumentID: sum.Instruments[p.Symbol],
				Held:         p.Quantity,
				Available:    p.Quantity,
				Average:      avg,
				CostBasis:    avg.Mul(decimal.NewFromInt(p.Quantity)),
			}
			if err := tx.CreatePosition(ctx, pos); err != nil {
				return errors.Wrapf(err, "position %d/%s", p.Account, p.Symbol)
			}
			sum.Positions++
		}
		return nil
	})
	return sum, err
}
