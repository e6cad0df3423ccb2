package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func contextsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contexts",
		Short: "Manage stored team contexts",
	}
	cmd.AddCommand(contextsListCmd())
	cmd.AddCommand(contextsShowCmd())
	cmd.AddCommand(contextsDeleteCmd())
	return cmd
}

func contextsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored contexts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			contexts, err := a.registry.List()
			if err != nil {
				return err
			}
			if len(contexts) == 0 {
				fmt.Println("No contexts stored.")
				return nil
			}
			for _, tc := range contexts {
				fmt.Printf("%-24s session=%-20s agents=%-2d updated=%s\n",
					tc.ContextName,
					tc.TmuxSession,
					len(tc.Agents),
					tc.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func contextsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <context>",
		Short: "Print one context record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			tc, err := a.registry.Get(args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(tc, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func contextsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <context>",
		Short: "Delete a stored context record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.registry.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Context %q deleted.\n", args[0])
			return nil
		},
	}
}
