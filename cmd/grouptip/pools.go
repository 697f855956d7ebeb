package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Veraticus/grouptip/internal/amount"
	"github.com/Veraticus/grouptip/internal/cli"
	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/pools"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
)

func poolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pools",
		Short: "Create, inspect, and settle tip pools",
	}
	cmd.AddCommand(poolsCreateCmd())
	cmd.AddCommand(poolsListCmd())
	cmd.AddCommand(poolsShowCmd())
	cmd.AddCommand(poolsClaimCmd())
	cmd.AddCommand(poolsExpireCmd())
	cmd.AddCommand(poolsCancelCmd())
	return cmd
}

func poolsCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <funder> <amount> <token>",
		Short: "Fund a new pool",
		Long: `Debit the funder the amount plus the token's fee and open a pool.

Without a running 'grouptip serve', the pool is settled by the next sweep
after it expires, or immediately with 'grouptip pools expire'.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			duration, _ := cmd.Flags().GetDuration("duration")
			ref, _ := cmd.Flags().GetString("ref")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				pool, err := a.poolService(nil).Create(ctx, pools.CreateRequest{
					FunderID:    args[0],
					Amount:      args[1],
					TokenID:     args[2],
					Duration:    duration,
					ExternalRef: ref,
				})
				if err != nil {
					return err
				}
				token, format := a.display(ctx, pool.TokenID)
				fmt.Println(cli.FormatSuccess(fmt.Sprintf("Pool %s funded with %s %s (fee %s)", //nolint:forbidigo // User-facing output
					pool.ID, format(pool.Total), token.Symbol, format(pool.Fee))))
				fmt.Println(cli.SubtleStyle.Render("Expires " + pool.ExpiresAt.Local().Format(time.RFC1123))) //nolint:forbidigo // User-facing output
				return nil
			})
		},
	}
	cmd.Flags().Duration("duration", 10*time.Minute, "how long the pool accepts claims")
	cmd.Flags().String("ref", "", "external reference, such as a chat message id")
	return cmd
}

func poolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pools by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			ps := model.PoolStatus(strings.ToUpper(status))
			if !ps.IsValid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				list, err := a.poolService(nil).List(ctx, ps, limit)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Println(cli.InfoStyle.Render("No pools found.")) //nolint:forbidigo // User-facing output
					return nil
				}
				now := time.Now()
				rows := make([]cli.PoolRow, 0, len(list))
				for i := range list {
					p := &list[i]
					token, format := a.display(ctx, p.TokenID)
					rows = append(rows, cli.PoolRow{
						ID:        p.ID,
						FunderID:  p.FunderID,
						Amount:    format(p.Total),
						Symbol:    token.Symbol,
						Status:    p.DisplayStatus(now),
						Claims:    p.ClaimCount,
						ExpiresAt: p.ExpiresAt,
					})
				}
				fmt.Println(cli.FormatTitle("Pools")) //nolint:forbidigo // User-facing output
				return cli.WritePools(os.Stdout, rows)
			})
		},
	}
	cmd.Flags().String("status", string(model.PoolActive), "pool status to list")
	cmd.Flags().Int("limit", 50, "maximum pools to show")
	return cmd
}

func poolsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pool-id>",
		Short: "Show a pool and its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				svc := a.poolService(nil)
				pool, err := svc.Get(ctx, args[0])
				if err != nil {
					return err
				}
				claims, err := svc.Claims(ctx, args[0])
				if err != nil {
					return err
				}

				token, format := a.display(ctx, pool.TokenID)
				var b strings.Builder
				fmt.Fprintf(&b, "Funder:  %s\n", pool.FunderID)
				fmt.Fprintf(&b, "Amount:  %s %s (fee %s)\n", format(pool.Total), token.Symbol, format(pool.Fee))
				fmt.Fprintf(&b, "Status:  %s\n", cli.FormatStatus(pool.DisplayStatus(time.Now())))
				fmt.Fprintf(&b, "Expires: %s", pool.ExpiresAt.Local().Format(time.RFC1123))
				if pool.FailureReason != "" {
					fmt.Fprintf(&b, "\nReason:  %s", pool.FailureReason)
				}
				fmt.Println(cli.RenderBox("Pool "+pool.ID, b.String())) //nolint:forbidigo // User-facing output

				rows := make([]cli.ClaimRow, 0, len(claims))
				for _, c := range claims {
					rows = append(rows, cli.ClaimRow{ClaimantID: c.ClaimantID, Status: string(c.Status), CreatedAt: c.CreatedAt})
				}
				return cli.WriteClaims(os.Stdout, rows)
			})
		},
	}
}

func poolsClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <pool-id> <claimant>",
		Short: "Claim a share of an open pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pending, _ := cmd.Flags().GetBool("pending")
			accept, _ := cmd.Flags().GetBool("accept")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if accept {
					if err := a.claims.AcceptClaim(ctx, args[0], args[1]); err != nil {
						return err
					}
					fmt.Println(cli.FormatSuccess(args[1] + "'s claim accepted")) //nolint:forbidigo // User-facing output
					return nil
				}

				register := a.claims.RegisterClaim
				if pending {
					register = a.claims.RegisterPendingClaim
				}
				count, err := register(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Println(cli.FormatSuccess(fmt.Sprintf("%s is claimant #%d", args[1], count))) //nolint:forbidigo // User-facing output
				return nil
			})
		},
	}
	cmd.Flags().Bool("pending", false, "register a claim that counts only once accepted")
	cmd.Flags().Bool("accept", false, "accept an existing pending claim")
	cmd.MarkFlagsMutuallyExclusive("pending", "accept")
	return cmd
}

func poolsExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire <pool-id>",
		Short: "Settle an expired pool now",
		Long: `Settle a pool that has passed its expiry, or resume one whose settlement
stalled, without waiting for the scheduler.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.engine.ForceExpire(ctx, args[0])
				if err != nil {
					return err
				}
				printSettlement(ctx, a, result)
				return nil
			})
		},
	}
}

func poolsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <pool-id> <funder>",
		Short: "Cancel an open pool and refund the funder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.engine.Cancel(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printSettlement(ctx, a, result)
				return nil
			})
		},
	}
}

func printSettlement(ctx context.Context, a *app, result *model.SettlementResult) {
	if result.Outcome == model.OutcomeNoop {
		fmt.Println(cli.FormatInfo("Nothing to do: the pool is not ready or already settled.")) //nolint:forbidigo // User-facing output
		return
	}
	token, format := a.display(ctx, result.Pool.TokenID)
	payouts := make([]cli.PayoutRow, 0, len(result.Payouts))
	for _, p := range result.Payouts {
		payouts = append(payouts, cli.PayoutRow{ClaimantID: p.ClaimantID, Amount: format(p.Amount)})
	}
	fmt.Println(cli.FormatSettlement(result.PoolID, string(result.Outcome), token.Symbol, format(result.Refund), payouts)) //nolint:forbidigo // User-facing output
}

// withApp opens the shared components for one command and closes them after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		fmt.Fprintln(os.Stderr, cli.FormatError(common.UserMessage(err)))
		return err
	}
	return nil
}

// display resolves a token and returns a formatter for its atomic amounts.
// Unknown tokens render in atomic units.
func (a *app) display(ctx context.Context, tokenID string) (model.Token, func(*uint256.Int) string) {
	token, err := a.tokens.Token(ctx, tokenID)
	if err != nil {
		token = model.Token{ID: tokenID, Symbol: tokenID}
	}
	return token, func(v *uint256.Int) string {
		if v == nil {
			return ""
		}
		return amount.ToDecimalString(v, token.Precision)
	}
}
