package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"mycoatlas/api/internal/app"
	"mycoatlas/api/internal/names"
	"mycoatlas/api/internal/notify"
	"mycoatlas/api/internal/store"
)

var (
	flagUser      string
	flagAdminMode bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nameadm",
		Short:         "Taxonomic name registry administration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagUser, "user", "cli", "login to attribute changes to")
	root.PersistentFlags().BoolVar(&flagAdminMode, "admin-mode", false, "enable destructive curator actions")

	root.AddCommand(
		newParseCmd(),
		newResolveCmd(),
		newAncestorsCmd(),
		newEditCmd(),
		newMergeCmd(),
		newHistoryCmd(),
		newSynonymsCmd(),
		newMergeLogCmd(),
		newSuggestCmd(),
		newReindexCmd(),
		newDescCmd(),
		newDispatchCmd(),
	)
	return root
}

func parseRankFlag(s string) (names.Rank, error) {
	if s == "" {
		return -1, nil
	}
	rank, ok := names.ParseRank(s)
	if !ok {
		return -1, fmt.Errorf("unknown rank %q", s)
	}
	return rank, nil
}

func newParseCmd() *cobra.Command {
	var rankFlag string
	cmd := &cobra.Command{
		Use:   "parse <name>",
		Short: "Parse a name string without touching the database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rank, err := parseRankFlag(rankFlag)
			if err != nil {
				return err
			}
			raw := strings.Join(args, " ")
			var parsed *names.ParsedName
			if rank >= 0 {
				parsed, err = names.ParseWithRank(raw, rank)
			} else {
				parsed, err = names.Parse(raw)
			}
			if err != nil {
				return err
			}
			fmt.Printf("rank:         %s\n", parsed.Rank)
			fmt.Printf("text_name:    %s\n", parsed.TextName)
			fmt.Printf("author:       %s\n", parsed.Author)
			fmt.Printf("search_name:  %s\n", parsed.SearchName)
			fmt.Printf("sort_name:    %s\n", parsed.SortName)
			fmt.Printf("display_name: %s\n", parsed.DisplayName)
			if parsed.ParentName != "" {
				fmt.Printf("parent:       %s\n", parsed.ParentName)
			}
			for _, anc := range names.Ancestors(parsed) {
				fmt.Printf("ancestor:     %-12s %s\n", anc.Rank, anc.TextName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rankFlag, "rank", "", "require the name to parse at this rank")
	return cmd
}

func newResolveCmd() *cobra.Command {
	var (
		rankFlag         string
		approvedText     string
		acceptDeprecated bool
		chosenID         int64
	)
	cmd := &cobra.Command{
		Use:   "resolve <name>",
		Short: "Resolve a name string against the registry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rank, err := parseRankFlag(rankFlag)
			if err != nil {
				return err
			}
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := rt.svc.Resolve(cmd.Context(), flagUser, app.ResolveInput{
				Text:             strings.Join(args, " "),
				Rank:             rank,
				ChosenID:         chosenID,
				AcceptDeprecated: acceptDeprecated,
				ApprovedText:     approvedText,
			})
			if err != nil {
				return err
			}
			printResolution(res)
			return nil
		},
	}
	cmd.Flags().StringVar(&rankFlag, "rank", "", "require the name to parse at this rank")
	cmd.Flags().StringVar(&approvedText, "approve", "",
		"approve creation by echoing back the candidate from an earlier no_match")
	cmd.Flags().BoolVar(&acceptDeprecated, "accept-deprecated", false, "accept a deprecated match")
	cmd.Flags().Int64Var(&chosenID, "chosen-id", 0, "pick this id out of an earlier ambiguous result")
	return cmd
}

func printResolution(res app.Resolution) {
	fmt.Printf("status: %s\n", res.Status)
	if res.CorrectedFrom != nil {
		fmt.Printf("corrected from: [%d] %s\n", res.CorrectedFrom.ID, res.CorrectedFrom.SearchName)
	}
	if res.Name != nil {
		printName(*res.Name)
	}
	for _, anc := range res.CreatedAncestors {
		fmt.Printf("created ancestor: [%d] %s\n", anc.ID, anc.SearchName)
	}
	if res.DeprecatedParent != nil {
		fmt.Printf("genus [%d] %s is deprecated\n",
			res.DeprecatedParent.ID, res.DeprecatedParent.SearchName)
	}
	for _, v := range res.ValidNames {
		fmt.Printf("accepted alternative: [%d] %s\n", v.ID, v.SearchName)
	}
	for _, c := range res.Candidates {
		marker := ""
		if c.Deprecated {
			marker = " (deprecated)"
		}
		fmt.Printf("candidate: [%d] %s%s\n", c.ID, c.SearchName, marker)
	}
	for _, sug := range res.Suggestions {
		fmt.Printf("did you mean: [%d] %s\n", sug.ID, sug.SearchName)
	}
}

func printName(n store.Name) {
	fmt.Printf("[%d] %s\n", n.ID, n.SearchName)
	fmt.Printf("  rank:       %s\n", n.Rank)
	fmt.Printf("  display:    %s\n", n.DisplayName)
	fmt.Printf("  deprecated: %v\n", n.Deprecated)
	fmt.Printf("  locked:     %v\n", n.Locked)
	fmt.Printf("  version:    %d\n", n.Version)
	if n.RegistryID != nil {
		fmt.Printf("  registry:   %s\n", *n.RegistryID)
	}
	if n.Citation != "" {
		fmt.Printf("  citation:   %s\n", n.Citation)
	}
}

func newAncestorsCmd() *cobra.Command {
	var rankFlag string
	cmd := &cobra.Command{
		Use:   "ancestors <name>",
		Short: "Create any missing ancestors implied by a name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rank, err := parseRankFlag(rankFlag)
			if err != nil {
				return err
			}
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			created, err := rt.svc.EnsureAncestors(cmd.Context(), flagUser, strings.Join(args, " "), rank)
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Println("all ancestors already present")
				return nil
			}
			for _, n := range created {
				fmt.Printf("created: [%d] %-12s %s\n", n.ID, n.Rank, n.TextName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rankFlag, "rank", "", "require the name to parse at this rank")
	return cmd
}

func newEditCmd() *cobra.Command {
	var (
		nameText         string
		rankFlag         string
		deprecate        bool
		approve          bool
		lock             bool
		unlock           bool
		citation         string
		notes            string
		registryID       string
		misspellingOf    int64
		clearMisspelling bool
		synonymOf        int64
		clearSynonym     bool
	)
	cmd := &cobra.Command{
		Use:   "edit <name-id>",
		Short: "Edit a name's fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nameID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("name id: %w", err)
			}
			rank, err := parseRankFlag(rankFlag)
			if err != nil {
				return err
			}
			if deprecate && approve {
				return fmt.Errorf("--deprecate and --approve are mutually exclusive")
			}
			if lock && unlock {
				return fmt.Errorf("--lock and --unlock are mutually exclusive")
			}

			in := app.EditInput{
				NameText:          nameText,
				Rank:              rank,
				CorrectSpellingOf: misspellingOf,
				ClearMisspelling:  clearMisspelling,
				SynonymOf:         synonymOf,
				ClearSynonym:      clearSynonym,
			}
			if deprecate || approve {
				v := deprecate
				in.Deprecated = &v
			}
			if lock || unlock {
				v := lock
				in.Locked = &v
			}
			if cmd.Flags().Changed("citation") {
				in.Citation = &citation
			}
			if cmd.Flags().Changed("notes") {
				in.Notes = &notes
			}
			if cmd.Flags().Changed("registry-id") {
				in.RegistryID = &registryID
			}

			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := rt.svc.Edit(cmd.Context(), flagUser, nameID, in, flagAdminMode)
			if err != nil {
				return err
			}
			for _, field := range out.IgnoredFields {
				fmt.Printf("ignored (name is locked): %s\n", field)
			}
			if out.Merge != nil {
				fmt.Printf("edit collided with an existing name; merge %s\n", out.Merge.Status)
			}
			if !out.Changed {
				fmt.Println("no changes")
			}
			printName(out.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&nameText, "name", "", "replace the name and author")
	cmd.Flags().StringVar(&rankFlag, "rank", "", "change or pin the rank")
	cmd.Flags().BoolVar(&deprecate, "deprecate", false, "mark the name deprecated")
	cmd.Flags().BoolVar(&approve, "approve", false, "clear the deprecated flag")
	cmd.Flags().BoolVar(&lock, "lock", false, "lock the name (admin)")
	cmd.Flags().BoolVar(&unlock, "unlock", false, "unlock the name (admin)")
	cmd.Flags().StringVar(&citation, "citation", "", "set the citation")
	cmd.Flags().StringVar(&notes, "notes", "", "set the notes")
	cmd.Flags().StringVar(&registryID, "registry-id", "", "set the registry id (empty clears)")
	cmd.Flags().Int64Var(&misspellingOf, "misspelling-of", 0, "mark as a misspelling of this name id")
	cmd.Flags().BoolVar(&clearMisspelling, "clear-misspelling", false, "clear the misspelling mark")
	cmd.Flags().Int64Var(&synonymOf, "synonym-of", 0, "link into this name id's synonym group")
	cmd.Flags().BoolVar(&clearSynonym, "clear-synonym", false, "detach from the synonym group")
	return cmd
}

func newMergeCmd() *cobra.Command {
	var (
		intoID        int64
		intoText      string
		note          string
		forceRegistry bool
	)
	cmd := &cobra.Command{
		Use:   "merge <merged-id>",
		Short: "Merge one name into another",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mergedID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("merged id: %w", err)
			}
			if intoID == 0 && intoText == "" {
				return fmt.Errorf("one of --into-id or --into is required")
			}

			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := rt.svc.Merge(cmd.Context(), flagUser, app.MergeInput{
				MergedID:      mergedID,
				SurvivorID:    intoID,
				SurvivorText:  intoText,
				AdminMode:     flagAdminMode,
				ForceRegistry: forceRegistry,
				Note:          note,
			})
			if err != nil {
				return err
			}
			switch out.Status {
			case app.MergeCompleted:
				if out.Swapped {
					fmt.Println("merged (rows swapped to preserve dependents)")
				} else {
					fmt.Println("merged")
				}
				fmt.Printf("moved: %d namings, %d descriptions, %d interests, %d trackers\n",
					out.Result.NamingsMoved, out.Result.DescriptionsMoved,
					out.Result.InterestsMoved, out.Result.TrackersMoved)
				printName(*out.Survivor)
			case app.MergeBlocked:
				fmt.Printf("blocked: %s\n", out.Reason)
				if out.RequestSent {
					fmt.Println("an admin merge request was queued")
				}
				for _, c := range out.Candidates {
					fmt.Printf("candidate: [%d] %s\n", c.ID, c.SearchName)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&intoID, "into-id", 0, "destination name id")
	cmd.Flags().StringVar(&intoText, "into", "", "destination name string")
	cmd.Flags().StringVar(&note, "note", "", "note recorded in the merge log")
	cmd.Flags().BoolVar(&forceRegistry, "force-registry", false, "merge despite conflicting registry ids")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <name-id>",
		Short: "Show a name's version history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nameID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("name id: %w", err)
			}
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			versions, err := rt.svc.History(cmd.Context(), nameID)
			if err != nil {
				return err
			}
			for _, v := range versions {
				flags := ""
				if v.Deprecated {
					flags += " deprecated"
				}
				if v.Locked {
					flags += " locked"
				}
				fmt.Printf("v%d  %s  %s%s\n", v.Version,
					v.CreatedAt.Format("2006-01-02 15:04"), v.SearchName, flags)
			}
			return nil
		},
	}
}

func newSynonymsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "synonyms <name-id>",
		Short: "List a name's synonym group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nameID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("name id: %w", err)
			}
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			group, err := rt.svc.Synonyms(cmd.Context(), nameID)
			if err != nil {
				return err
			}
			for _, n := range group {
				marker := ""
				if n.Deprecated {
					marker = " (deprecated)"
				}
				if n.ID == nameID {
					marker += " *"
				}
				fmt.Printf("[%d] %s%s\n", n.ID, n.SearchName, marker)
			}
			return nil
		},
	}
}

func newMergeLogCmd() *cobra.Command {
	var (
		nameID int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "merge-log",
		Short: "Show merge records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if limit <= 0 {
				limit = rt.cfg.MergeLogLimit
			}
			entries, err := rt.svc.MergeLog(cmd.Context(), nameID, limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %q (was id %d) -> id %d  namings=%d\n",
					e.CreatedAt.Format("2006-01-02 15:04"),
					e.MergedSearchName, e.MergedID, e.SurvivorID, e.NamingsMoved)
				if e.Note != "" {
					fmt.Printf("  note: %s\n", e.Note)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&nameID, "name-id", 0, "restrict to merges involving this name")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to show")
	return cmd
}

func newSuggestCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "suggest <text>",
		Short: "Fuzzy-match a partial or misspelled name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if limit <= 0 {
				limit = rt.cfg.SuggestLimit
			}
			for _, res := range rt.svc.Suggest(strings.Join(args, " "), limit) {
				marker := ""
				if res.Deprecated {
					marker = " (deprecated)"
				}
				fmt.Printf("[%d] %s%s\n", res.ID, res.SearchName, marker)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum suggestions")
	return cmd
}

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch index from Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			rt.search.ReindexAllFromPG(cmd.Context())
			return nil
		},
	}
}

func newDescCmd() *cobra.Command {
	desc := &cobra.Command{
		Use:   "desc",
		Short: "Manage name descriptions",
	}
	desc.AddCommand(
		newDescCreateCmd(),
		newDescEditCmd(),
		newDescShowCmd(),
		newDescHistoryCmd(),
		newDescListCmd(),
	)
	return desc
}

// readBodyArg returns the description body from --body, --body-file, or
// stdin, in that order of preference.
func readBodyArg(body, bodyFile string) (string, error) {
	if body != "" {
		return body, nil
	}
	if bodyFile != "" {
		data, err := os.ReadFile(bodyFile)
		if err != nil {
			return "", fmt.Errorf("read body file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func newDescCreateCmd() *cobra.Command {
	var (
		sourceType string
		notes      string
		body       string
		bodyFile   string
	)
	cmd := &cobra.Command{
		Use:   "create <name-id>",
		Short: "Create a description for a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nameID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("name id: %w", err)
			}
			text, err := readBodyArg(body, bodyFile)
			if err != nil {
				return err
			}
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := rt.svc.CreateDescription(cmd.Context(), flagUser, nameID, sourceType, notes, text)
			if err != nil {
				return err
			}
			fmt.Printf("created description %d (head %s)\n", d.ID, shortHash(d.RepoHead))
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceType, "source", "user", "description source type")
	cmd.Flags().StringVar(&notes, "notes", "", "notes about the description")
	cmd.Flags().StringVar(&body, "body", "", "description body text")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "file to read the body from")
	return cmd
}

func newDescEditCmd() *cobra.Command {
	var (
		body     string
		bodyFile string
		message  string
	)
	cmd := &cobra.Command{
		Use:   "edit <desc-id>",
		Short: "Commit a new body for a description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			descID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("description id: %w", err)
			}
			text, err := readBodyArg(body, bodyFile)
			if err != nil {
				return err
			}
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := rt.svc.EditDescription(cmd.Context(), flagUser, descID, text, message)
			if err != nil {
				return err
			}
			fmt.Printf("description %d head %s\n", d.ID, shortHash(d.RepoHead))
			return nil
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "description body text")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "file to read the body from")
	cmd.Flags().StringVar(&message, "message", "", "commit message")
	return cmd
}

func newDescShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <desc-id>",
		Short: "Print a description body at its current head",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			descID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("description id: %w", err)
			}
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			body, err := rt.svc.DescriptionBody(cmd.Context(), descID)
			if err != nil {
				return err
			}
			fmt.Print(body)
			return nil
		},
	}
}

func newDescHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <desc-id>",
		Short: "Show a description's commit history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			descID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("description id: %w", err)
			}
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			history, err := rt.svc.DescriptionHistory(cmd.Context(), descID, limit)
			if err != nil {
				return err
			}
			for _, c := range history {
				fmt.Printf("%s  %s  %s  %s\n", shortHash(c.Hash),
					c.CreatedAt.Format("2006-01-02 15:04"), c.Author, c.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum commits to show")
	return cmd
}

func newDescListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <name-id>",
		Short: "List descriptions of a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nameID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("name id: %w", err)
			}
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			descriptions, err := rt.svc.Descriptions(cmd.Context(), nameID)
			if err != nil {
				return err
			}
			for _, d := range descriptions {
				fmt.Printf("[%d] %s head=%s\n", d.ID, d.SourceType, shortHash(d.RepoHead))
			}
			return nil
		},
	}
}

func newDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver queued notices over SMTP until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			if rt.queue == nil {
				return fmt.Errorf("dispatch requires REDIS_URL to be set")
			}

			var recipients []string
			for _, to := range strings.Split(rt.cfg.SMTPNotifyTo, ",") {
				if to = strings.TrimSpace(to); to != "" {
					recipients = append(recipients, to)
				}
			}
			dispatcher := notify.NewDispatcher(rt.queue, notify.MailConfig{
				Host:     rt.cfg.SMTPHost,
				Port:     rt.cfg.SMTPPort,
				Username: rt.cfg.SMTPUsername,
				Password: rt.cfg.SMTPPassword,
				From:     rt.cfg.SMTPFrom,
				To:       recipients,
			})
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return dispatcher.Run(ctx)
		},
	}
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	if hash == "" {
		return "-"
	}
	return hash
}
