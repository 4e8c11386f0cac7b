package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hepio/xrdfed/internal/hostcache"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Show the recorded history of data servers",
	Long: `Lists every data server the client has observed, with its read and
failure counts and the last quality score it earned. The history comes from
the persistent host cache; configure host_cache_path to enable it.`,
	RunE: runSources,
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

func runSources(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.HostCachePath == "" {
		return fmt.Errorf("no host cache configured; set host_cache_path or %s", "XRDFED_HOST_CACHE")
	}

	store := hostcache.NewBoltStore(&hostcache.BoltOptions{Path: cfg.HostCachePath})
	if err := store.Open(); err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Host < records[j].Host })

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tREADS\tFAILURES\tQUALITY\tLAST SEEN")
	for _, r := range records {
		health := green(fmt.Sprintf("%d", r.LastQuality))
		if r.Failures > 0 {
			health = red(fmt.Sprintf("%d", r.LastQuality))
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			r.Host, r.Reads, r.Failures, health, r.LastSeen.Format(time.RFC3339))
	}
	return w.Flush()
}
