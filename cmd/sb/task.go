package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"spriteboard/internal/domain"
	"spriteboard/internal/engine"
)

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Manage board tasks",
		Long:  "Columns: abyss, altar, ritual, trial, cursed, vanquished. Moving a task to ritual starts an agent in a fresh sandbox.",
	}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskMoveCmd())
	t.AddCommand(taskStopCmd())
	t.AddCommand(taskSessionsCmd())
	t.AddCommand(taskDeleteCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var board string
	cmd := &cobra.Command{
		Use:   "create <project-id>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = args[0]
				opts.BoardStatus = domain.BoardStatus(board)
				opts.ActorID = actorID()
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category label")
	cmd.Flags().StringVar(&opts.Model, "model", "", "agent model override")
	cmd.Flags().StringVar(&board, "board", "", "initial column (default abyss)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var board string
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTasks(ctx, args[0], domain.BoardStatus(board), actorID())
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
	cmd.Flags().StringVar(&board, "board", "", "column filter")
	return cmd
}

func taskMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <task-id> <column>",
		Short: "Move a task to another column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.MoveTask(ctx, args[0], domain.BoardStatus(args[1]), actorID())
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
}

func taskStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <task-id>",
		Short: "Kill the running agent and return the task to altar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StopTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
}

func taskSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions <task-id>",
		Short: "List agent sessions of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.TaskSessions(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Sprite", "Messages", "Tokens in/out", "Question", "Error"})
				for _, s := range items {
					tw.AppendRow(table.Row{shortID(s.ID), statusColor(string(s.Status)), s.SpriteName, s.MessageCount,
						fmt.Sprintf("%d/%d", s.InputTokens, s.OutputTokens), s.Question, s.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and destroy any live sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, args[0], actorID())
			})
		},
	}
}

func printTasks(items []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Column", "State", "Branch", "PR"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.Title, statusColor(string(t.BoardStatus)), statusColor(string(t.ExecutionState)), t.BranchName, t.PRURL})
	}
	tw.Render()
	return nil
}
