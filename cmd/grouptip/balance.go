package main

import (
	"context"
	"fmt"

	"github.com/Veraticus/grouptip/internal/amount"
	"github.com/Veraticus/grouptip/internal/cli"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/spf13/cobra"
)

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show and adjust user balances",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <user> <token>",
		Short: "Show a user's balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				token, err := a.tokens.Token(ctx, args[1])
				if err != nil {
					return err
				}
				bal, err := a.store.GetBalance(ctx, args[0], token.ID)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s %s\n", bal.UserID, amount.ToDecimalString(bal.Amount, token.Precision), token.Symbol) //nolint:forbidigo // User-facing output
				return nil
			})
		},
	})
	cmd.AddCommand(adjustCmd("deposit", "Credit a user from outside the system", model.EntryDeposit))
	cmd.AddCommand(adjustCmd("withdraw", "Debit a user to outside the system", model.EntryWithdrawal))
	return cmd
}

func adjustCmd(use, short string, kind model.EntryType) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <user> <amount> <token>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("ref")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				token, err := a.tokens.Token(ctx, args[2])
				if err != nil {
					return err
				}
				value, err := amount.ToAtomic(args[1], token.Precision)
				if err != nil {
					return err
				}

				apply := a.ledger.Deposit
				if kind == model.EntryWithdrawal {
					apply = a.ledger.Withdraw
				}
				entry, err := apply(ctx, args[0], token.ID, value, ref)
				if err != nil {
					return err
				}

				bal, err := a.store.GetBalance(ctx, args[0], token.ID)
				if err != nil {
					return err
				}
				fmt.Println(cli.FormatSuccess(fmt.Sprintf("%s %s %s %s (entry %s)", //nolint:forbidigo // User-facing output
					use, args[1], token.Symbol, args[0], entry.ID)))
				fmt.Printf("Balance: %s %s\n", amount.ToDecimalString(bal.Amount, token.Precision), token.Symbol) //nolint:forbidigo // User-facing output
				return nil
			})
		},
	}
	cmd.Flags().String("ref", "", "external reference recorded on the ledger entry")
	return cmd
}
