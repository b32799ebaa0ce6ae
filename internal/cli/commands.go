package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ryandielhenn/zephyrledger/pkg/groupledger"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
)

func NewBalancesCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Read every member's balance from their replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, out, err := open(cmd, rootOpts)
			if err != nil {
				return err
			}
			sheet, err := s.Service.FetchAllBalances(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "fetch balances", err)
			}
			text := func(w io.Writer) { printSheet(w, sheet, all) }
			if perr := sheet.Err(); perr != nil {
				if err := out.EmitPartial(sheet, perr, text); err != nil {
					return err
				}
				return WrapExitError(ExitFailure, "some balances could not be read", perr)
			}
			return out.Emit(sheet, text)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include settled pairs")
	return cmd
}

func printSheet(w io.Writer, sheet groupledger.BalanceSheet, all bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MEMBER\tOTHER\tCREDIT\tDEBT\tNET\t")
	for _, e := range sheet.Entries {
		if e.Net == 0 && !all && !e.Stale {
			continue
		}
		note := ""
		if e.Stale {
			note = "stale"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%+d\t%s\n", e.Member, e.Other, e.Credit, e.Debt, e.Net, note)
	}
	tw.Flush()
}

func NewExpenseCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		payer  string
		with   []string
		amount uint64
	)
	cmd := &cobra.Command{
		Use:   "expense <description>",
		Short: "Record that a member paid for others",
		Long: `Record that --payer paid --amount for the members in --with, split equally.
Without --with the amount is split over every other member.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, out, err := open(cmd, rootOpts)
			if err != nil {
				return err
			}
			e, err := s.Service.RecordExpense(cmd.Context(), args[0], payer, with, amount)
			return emitExpense(out, e, err)
		},
	}
	cmd.Flags().StringVar(&payer, "payer", "", "member who paid")
	cmd.Flags().StringSliceVar(&with, "with", nil, "members sharing the expense")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "total paid, in minor units")
	_ = cmd.MarkFlagRequired("payer")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func NewPayCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		from, to string
		amount   uint64
	)
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Record that a member paid back another",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, out, err := open(cmd, rootOpts)
			if err != nil {
				return err
			}
			e, err := s.Service.RecordPayment(cmd.Context(), from, to, amount)
			return emitExpense(out, e, err)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "member paying")
	cmd.Flags().StringVar(&to, "to", "", "member being paid")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount, in minor units")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func NewSetBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		creditor, debtor string
		amount           uint64
	)
	cmd := &cobra.Command{
		Use:   "set-balance",
		Short: "Overwrite what a debtor owes a creditor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, out, err := open(cmd, rootOpts)
			if err != nil {
				return err
			}
			e, err := s.Service.RecordBalanceSet(cmd.Context(), creditor, debtor, amount)
			return emitExpense(out, e, err)
		},
	}
	cmd.Flags().StringVar(&creditor, "creditor", "", "member owed")
	cmd.Flags().StringVar(&debtor, "debtor", "", "member owing")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "new balance, in minor units")
	_ = cmd.MarkFlagRequired("creditor")
	_ = cmd.MarkFlagRequired("debtor")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func emitExpense(out *OutputFormatter, e groupledger.Expense, err error) error {
	text := func(w io.Writer) { printExpense(w, e) }
	switch {
	case err == nil:
		return out.Emit(e, text)
	case groupledger.IsUnconfirmed(err) && e.TxID != "":
		if perr := out.EmitPartial(e, err, text); perr != nil {
			return perr
		}
		return WrapExitError(ExitFailure, "recorded but not yet visible on every replica", err)
	default:
		return WrapExitError(ExitFailure, "rejected", err)
	}
}

func printExpense(w io.Writer, e groupledger.Expense) {
	status := "confirmed"
	if !e.Confirmed {
		status = "unconfirmed"
	}
	switch e.Kind {
	case groupledger.KindExpense:
		fmt.Fprintf(w, "#%d %s: %s paid %d for %v (%d each, %d left over) [%s]\n",
			e.ID, e.Description, e.PaidBy, e.Amount, e.Shares, e.PerShare, e.Remainder, status)
	default:
		fmt.Fprintf(w, "#%d %s: %s -> %s %d [%s]\n", e.ID, e.Description, e.PaidBy, e.To, e.Amount, status)
	}
}

func NewMembersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "List or add group members",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List committed members, admin first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, out, err := open(cmd, rootOpts)
			if err != nil {
				return err
			}
			members := s.Service.Members()
			return out.Emit(members, func(w io.Writer) { printMembers(w, members) })
		},
	})

	var replicaID int
	add := &cobra.Command{
		Use:   "add <name> <address>",
		Short: "Add a member on the root replica and save the roster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, out, err := open(cmd, rootOpts)
			if err != nil {
				return err
			}
			m, err := s.Service.StageMember(args[0], ledger.Address(args[1]), replicaID)
			if err != nil {
				return WrapExitError(ExitFailure, "stage member", err)
			}
			_, cerr := s.Service.CommitMembers(cmd.Context())
			s.Roster.Members = s.Service.Members()
			if err := s.Roster.Save(s.Path); err != nil {
				return WrapExitError(ExitCommandError, "save roster", err)
			}
			if cerr != nil {
				return WrapExitError(ExitFailure, "commit member", cerr)
			}
			return out.Emit(m, func(w io.Writer) {
				fmt.Fprintf(w, "added %s (%s) on replica %d\n", m.Name, m.Address, m.ReplicaID)
			})
		},
	}
	add.Flags().IntVar(&replicaID, "replica", groupledger.AutoReplica, "replica routing this member's writes (-1 picks one)")
	cmd.AddCommand(add)
	return cmd
}

func printMembers(w io.Writer, members []ledger.Member) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tNAME\tADDRESS\tREPLICA\t")
	for i, m := range members {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t\n", i, m.Name, m.Address, m.ReplicaID)
	}
	tw.Flush()
}

func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every replica reports the roster's admin and members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, out, err := open(cmd, rootOpts)
			if err != nil {
				return err
			}
			if err := s.Service.Verify(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "verify", err)
			}
			name, contract := s.Service.Group()
			return out.Emit(map[string]any{"group": name, "contract": contract, "members": len(s.Service.Members())}, func(w io.Writer) {
				fmt.Fprintf(w, "%s (%s): every replica agrees on %d members\n", name, contract, len(s.Service.Members()))
			})
		},
	}
}
