package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gustavoflandal/manutflow/internal/log"
	internal_storage "github.com/gustavoflandal/manutflow/internal/storage"
	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/gustavoflandal/manutflow/pkg/notify"
	"github.com/gustavoflandal/manutflow/pkg/service"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Validate and publish a workflow definition from a JSON file",
		Run: func(cmd *cobra.Command, args []string) {
			file, err := cmd.Flags().GetString("file")
			if err != nil || file == "" {
				fmt.Fprintln(os.Stderr, "Error: --file is required")
				os.Exit(1)
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				log.GetLogger().Errorf("Failed to read definition file: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to read %s: %v\n", file, err)
				os.Exit(1)
			}
			var def models.Definition
			if err := json.Unmarshal(raw, &def); err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid definition JSON: %v\n", err)
				os.Exit(1)
			}
			svc := newService(cmd)
			res, err := svc.Publish(def)
			if err != nil {
				log.GetLogger().Errorf("Failed to publish definition: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to publish definition: %v\n", err)
				os.Exit(1)
			}
			if !res.Valid {
				fmt.Fprintf(os.Stderr, "Definition %s rejected:\n", def.ID)
				for _, p := range res.Problems {
					fmt.Fprintf(os.Stderr, "- [%s] %s\n", p.Code, p.Message)
				}
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Published definition '%s' (%s)\n", def.ID, def.Name)
			for _, p := range res.Problems {
				fmt.Fprintf(os.Stdout, "warning: [%s] %s\n", p.Code, p.Message)
			}
		},
	}
	publishCmd.Flags().StringP("file", "f", "", "Path to the definition JSON file")

	definitionsCmd := &cobra.Command{
		Use:   "definitions",
		Short: "List all workflow definitions",
		Run: func(cmd *cobra.Command, args []string) {
			svc := newService(cmd)
			defs, err := svc.ListDefinitions()
			if err != nil {
				log.GetLogger().Errorf("Failed to list definitions: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list definitions: %v\n", err)
				os.Exit(1)
			}
			if len(defs) == 0 {
				fmt.Fprintf(os.Stdout, "No definitions found.\n")
				return
			}
			for _, d := range defs {
				fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Active: %t, Trigger: %s, States: %d\n",
					d.ID, d.Name, d.Active, d.TriggerEvent, len(d.States))
			}
		},
	}

	instancesCmd := &cobra.Command{
		Use:   "instances",
		Short: "List all workflow instances",
		Run: func(cmd *cobra.Command, args []string) {
			svc := newService(cmd)
			instances, err := svc.ListInstances()
			if err != nil {
				log.GetLogger().Errorf("Failed to list instances: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list instances: %v\n", err)
				os.Exit(1)
			}
			if len(instances) == 0 {
				fmt.Fprintf(os.Stdout, "No instances found.\n")
				return
			}
			for _, inst := range instances {
				fmt.Fprintf(os.Stdout, "- ID: %s, Definition: %s, State: %s, Status: %s, Created: %s\n",
					inst.ID, inst.DefinitionID, inst.CurrentState, inst.Status,
					inst.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	transitionCmd := &cobra.Command{
		Use:   "transition [instance-id] [target-state]",
		Short: "Apply a state transition to an instance",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			actorID, _ := cmd.Flags().GetString("actor")
			note, _ := cmd.Flags().GetString("note")
			var actor *models.Actor
			if actorID != "" {
				actor = &models.Actor{ID: actorID}
			}
			svc := newService(cmd)
			inst, err := svc.Transition(context.Background(), args[0], args[1], actor, note, nil)
			if err != nil {
				log.GetLogger().Errorf("Transition failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: transition failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Instance %s is now in state '%s' (status %s)\n",
				inst.ID, inst.CurrentState, inst.Status)
		},
	}
	transitionCmd.Flags().String("actor", "", "Acting user id")
	transitionCmd.Flags().String("note", "", "Transition note")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one action sweep and one escalation sweep",
		Run: func(cmd *cobra.Command, args []string) {
			svc := newService(cmd)
			results := svc.Executor().RunReady(context.Background())
			fmt.Fprintf(os.Stdout, "Action sweep: %d actions ran\n", len(results))
			escalations, err := svc.Scheduler().Sweep(context.Background(), time.Now())
			if err != nil {
				log.GetLogger().Errorf("Escalation sweep failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: escalation sweep failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Escalation sweep: %d instances escalated\n", len(escalations))
		},
	}

	rootCmd.AddCommand(publishCmd, definitionsCmd, instancesCmd, transitionCmd, sweepCmd)
}

func newService(cmd *cobra.Command) *service.WorkflowService {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store := initStore(dbConnStr)
	logger := log.GetLogger()
	return service.NewWorkflowService(store, &notify.LogNotifier{Logger: logger}, logger)
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
