package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claude-orc/orc/internal/common/stringutil"
	"github.com/claude-orc/orc/internal/contextreg"
)

const statusRecentMessages = 10

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [context]",
		Short: "Show stored contexts and recent archived activity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return runStatus(name)
		},
	}
}

func runStatus(contextName string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var contexts []*contextreg.TeamContext
	if contextName != "" {
		tc, err := a.registry.Get(contextName)
		if err != nil {
			return err
		}
		contexts = []*contextreg.TeamContext{tc}
	} else {
		contexts, err = a.registry.List()
		if err != nil {
			return err
		}
	}

	if len(contexts) == 0 {
		fmt.Println("No contexts stored.")
	}
	for _, tc := range contexts {
		fmt.Printf("%s (session %s, updated %s)\n",
			tc.ContextName,
			tc.TmuxSession,
			tc.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		for _, agent := range tc.Agents {
			fmt.Printf("  pane %d  %-16s role=%-12s model=%-10s transcript=%s\n",
				agent.PaneIndex, agent.Name, stringutil.OrDash(agent.Role), stringutil.OrDash(agent.Model), agent.TranscriptID)
			printLastTransition(a, agent.Name)
		}
	}

	printRecentMessages(a)
	return nil
}

// printLastTransition shows the agent's most recent archived state change,
// the closest thing to live state a stopped supervisor can offer.
func printLastTransition(a *app, agent string) {
	if a.store == nil {
		return
	}
	transitions, err := a.store.RecentTransitions(context.Background(), agent, 1)
	if err != nil || len(transitions) == 0 {
		return
	}
	t := transitions[0]
	fmt.Printf("          last state: %s -> %s at %s\n",
		t.FromState, t.ToState, t.TS.Local().Format("15:04:05"))
}

func printRecentMessages(a *app) {
	if a.store == nil {
		fmt.Println("\nArchive disabled; no message history.")
		return
	}
	messages, err := a.store.RecentMessages(context.Background(), statusRecentMessages)
	if err != nil {
		fmt.Printf("\nArchive query failed: %v\n", err)
		return
	}
	if len(messages) == 0 {
		fmt.Println("\nNo archived messages.")
		return
	}
	fmt.Println("\nRecent messages:")
	for _, m := range messages {
		fmt.Printf("  %s  %-12s -> %-12s [%s] %s\n",
			m.TS.Local().Format("15:04:05"),
			m.Sender, m.Recipient, m.Kind, stringutil.Snippet(m.Body, 48))
	}
}
