package main

import (
	"sort"
	"time"

	"github.com/spf13/cobra"

	"spacesync/internal/replication"
	"spacesync/internal/tree"
	"spacesync/pkg/domain"
)

type spaceView struct {
	domain.SpacePointer
	AppTrees []string `json:"app_trees"`
	Secrets  []string `json:"secrets"`
	Layers   []string `json:"layers"`
}

func viewOf(space *tree.Space, ls []domain.PersistenceLayer) spaceView {
	v := spaceView{
		SpacePointer: domain.SpacePointer{ID: space.ID(), Name: space.Name()},
		AppTrees:     space.AppTreeIDs(),
		Secrets:      []string{},
		Layers:       []string{},
	}
	for k := range space.Secrets() {
		v.Secrets = append(v.Secrets, k)
	}
	sort.Strings(v.Secrets)
	for _, l := range ls {
		v.Layers = append(v.Layers, l.ID())
	}
	return v
}

func (a *app) spaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "space",
		Short: "Create, inspect and reconcile spaces",
	}
	cmd.AddCommand(a.spaceCreateCmd(), a.spaceShowCmd(), a.spaceSyncCmd())
	return cmd
}

func (a *app) spaceCreateCmd() *cobra.Command {
	var (
		apps    []string
		secrets map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a space and push it to every configured layer",
		Long: `Create a new space and write its operations to every configured layer.

Examples:
  spacesync space create notes -c spacesync.yaml
  spacesync space create team --app calendar --secret token=abc`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			space := tree.NewSpace(args[0])
			ls, err := a.openLayers(space.ID())
			if err != nil {
				return err
			}
			m := a.manager()
			defer m.Close(ctx)
			m.AddNewSpace(ctx, space, ls, "")
			for _, id := range apps {
				space.NewAppTree(id)
			}
			space.SetSecrets(secrets)

			v := viewOf(space, ls)
			v.CreatedAt = time.Now().UTC()
			return a.printJSON(v)
		},
	}
	cmd.Flags().StringSliceVar(&apps, "app", nil, "create an app tree for this app id (repeatable)")
	cmd.Flags().StringToStringVar(&secrets, "secret", nil, "store a secret as key=value (repeatable)")
	return cmd
}

func (a *app) spaceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <space-id>",
		Short: "Load a space from the configured layers and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ls, err := a.openLayers(args[0])
			if err != nil {
				return err
			}
			m := a.manager()
			defer m.Close(ctx)
			space, err := m.LoadSpace(ctx, domain.SpacePointer{ID: args[0]}, ls)
			if err != nil {
				return err
			}
			return a.printJSON(viewOf(space, ls))
		},
	}
}

func (a *app) spaceSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <space-id>",
		Short: "Reconcile the space's documents between all configured layers",
		Long: `Load the space, then for the root document and every app tree deliver to
each layer the winning operations it lacks. Layers that already hold a newer
winner for a property never receive older operations.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ls, err := a.openLayers(args[0])
			if err != nil {
				return err
			}
			m := a.manager()
			defer m.Close(ctx)
			space, err := m.LoadSpace(ctx, domain.SpacePointer{ID: args[0]}, ls)
			if err != nil {
				return err
			}
			ids := append([]string{space.ID()}, space.AppTreeIDs()...)
			reports := make([]replication.SyncReport, 0, len(ids))
			for _, id := range ids {
				rep, err := replication.SyncTreeOpsBetweenLayers(ctx, id, ls, replication.SyncWithLogger(a.logger))
				if err != nil {
					return err
				}
				reports = append(reports, rep)
			}
			return a.printJSON(reports)
		},
	}
}
