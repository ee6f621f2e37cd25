package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/slumberd/slumber/pkg/client"
)

func apiClient(api *apiFlags) *client.Client {
	return client.New(client.Config{BaseURL: api.URL})
}

func newStartCommand(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Ensure a server is running and print its connection info",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := apiClient(api).Start(context.Background(), args[0])
			if err != nil {
				return err
			}
			if info.Addr != "" {
				fmt.Printf("%s running (pid %d) at %s\n", info.Name, info.PID, info.Addr)
			} else {
				fmt.Printf("%s running (pid %d)\n", info.Name, info.PID)
			}
			return nil
		},
	}
}

func newStopCommand(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(api).Stop(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s stopped\n", args[0])
			return nil
		},
	}
}

func newStatusCommand(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show one server's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := apiClient(api).Status(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("name:      %s\n", s.Name)
			fmt.Printf("state:     %s\n", s.State)
			if s.PID > 0 {
				fmt.Printf("pid:       %d\n", s.PID)
			}
			fmt.Printf("accesses:  %d\n", s.AccessCount)
			if !s.LastAccess.IsZero() {
				fmt.Printf("last seen: %s\n", s.LastAccess.Format(time.RFC3339))
			}
			fmt.Printf("restarts:  %d\n", s.Restarts)
			if s.Degraded {
				fmt.Println("degraded:  yes")
			}
			return nil
		},
	}
}

func newListCommand(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snaps, err := apiClient(api).List(context.Background())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tSTATE\tPID\tACCESSES\tRESTARTS")
			for _, s := range snaps {
				pid := "-"
				if s.PID > 0 {
					pid = fmt.Sprintf("%d", s.PID)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", s.Name, s.State, pid, s.AccessCount, s.Restarts)
			}
			return w.Flush()
		},
	}
}

func newMetricsCommand(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show the daemon's durable metrics snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := apiClient(api).Metrics(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("active:       %d\n", snap.ActiveCount)
			fmt.Printf("total starts: %d\n", snap.TotalStarts)
			fmt.Printf("total stops:  %d\n", snap.TotalStops)
			fmt.Printf("events kept:  %d\n", len(snap.Events))
			return nil
		},
	}
}

func newSweepCommand(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Evict idle servers now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := apiClient(api).Sweep(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("swept %d server(s)\n", n)
			return nil
		},
	}
}
