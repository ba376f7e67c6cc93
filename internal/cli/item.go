package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/catalog"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage the local item catalog",
		Long:  "Store and search the documents, insights, jobs-to-be-done and metrics that sessions select from.",
	}

	put := &cobra.Command{
		Use:   "put [content]",
		Short: "Store an item",
		Long:  "Store an item. Content can be a positional arg or piped via stdin. Putting an existing type:id replaces it.",
		Run:   runItemPut,
	}
	put.Flags().StringP("type", "t", "", "Item type: document, insight, jtbd, metric (required)")
	put.Flags().String("id", "", "Item id (generated when empty)")
	put.Flags().String("title", "", "Title (required)")
	put.Flags().StringP("user", "u", "", "Owning user id")
	put.Flags().String("meta", "", "JSON metadata")
	put.MarkFlagRequired("type")
	put.MarkFlagRequired("title")

	get := &cobra.Command{
		Use:   "get [type:id]",
		Short: "Show an item",
		Args:  cobra.ExactArgs(1),
		Run:   runItemGet,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List items, newest first",
		Run:   runItemList,
	}
	list.Flags().StringP("type", "t", "", "Filter by item type")
	list.Flags().StringP("user", "u", "", "Filter by user id")
	list.Flags().IntP("limit", "l", 20, "Max results")

	search := &cobra.Command{
		Use:   "search [query]",
		Short: "Search items of one type",
		Args:  cobra.MinimumNArgs(1),
		Run:   runItemSearch,
	}
	search.Flags().StringP("type", "t", string(model.ItemInsight), "Item type to search")
	search.Flags().StringP("user", "u", "", "Filter by user id")
	search.Flags().IntP("limit", "l", 10, "Max results")
	search.Flags().Float64("threshold", 0.1, "Minimum similarity (0-1)")

	rm := &cobra.Command{
		Use:   "rm [type:id]",
		Short: "Delete an item",
		Long:  "Soft-delete an item. Sessions that selected it report it as missing.",
		Args:  cobra.ExactArgs(1),
		Run:   runItemRm,
	}

	cmd.AddCommand(put, get, list, search, rm)
	RootCmd.AddCommand(cmd)
}

func runItemPut(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	id, _ := cmd.Flags().GetString("id")
	title, _ := cmd.Flags().GetString("title")
	user, _ := cmd.Flags().GetString("user")
	meta, _ := cmd.Flags().GetString("meta")

	// Get content: positional arg first, then check stdin
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}
	if strings.TrimSpace(content) == "" {
		exitErr("item put", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	var metadata map[string]any
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
			exitErr("item put", fmt.Errorf("invalid --meta: %w", err))
		}
	}

	a := mustApp()
	defer a.Close()

	it := &model.CatalogItem{
		ID:       id,
		Type:     model.ItemType(strings.ToLower(typ)),
		UserID:   user,
		Title:    strings.TrimSpace(title),
		Content:  strings.TrimSpace(content),
		Metadata: metadata,
	}
	if err := a.catalog.Put(cmd.Context(), it); err != nil {
		a.Close()
		exitErr("item put", err)
	}
	output(it, func() string { return fmt.Sprintf("%s:%s", it.Type, it.ID) })
}

func runItemGet(cmd *cobra.Command, args []string) {
	ref, err := parseRef(args[0])
	if err != nil {
		exitErr("item get", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	it, err := s.GetItem(cmd.Context(), ref.Type, ref.ID)
	if err != nil {
		exitErr("item get", err)
	}
	output(it, func() string { return it.Title + "\n\n" + it.Content })
}

func runItemList(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	user, _ := cmd.Flags().GetString("user")
	limit, _ := cmd.Flags().GetInt("limit")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	items, err := s.ListItems(cmd.Context(), store.ListItemsParams{
		Type:   model.ItemType(strings.ToLower(typ)),
		UserID: user,
		Limit:  limit,
	})
	if err != nil {
		exitErr("item list", err)
	}
	if items == nil {
		items = []model.CatalogItem{}
	}
	output(items, func() string {
		var b strings.Builder
		for _, it := range items {
			fmt.Fprintf(&b, "%s:%s\t%s\n", it.Type, it.ID, it.Title)
		}
		return strings.TrimRight(b.String(), "\n")
	})
}

func runItemSearch(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	user, _ := cmd.Flags().GetString("user")
	limit, _ := cmd.Flags().GetInt("limit")
	threshold, _ := cmd.Flags().GetFloat64("threshold")
	query := strings.Join(args, " ")

	a := mustApp()
	defer a.Close()

	results, err := a.catalog.Search(cmd.Context(), model.ItemType(strings.ToLower(typ)), query, catalog.SearchOptions{
		Limit:     limit,
		Threshold: threshold,
		UserID:    user,
	})
	if err != nil {
		a.Close()
		exitErr("item search", err)
	}
	if results == nil {
		results = []model.ContextItem{}
	}
	output(results, func() string {
		var b strings.Builder
		for _, it := range results {
			score := 0.0
			if it.Similarity != nil {
				score = *it.Similarity
			}
			fmt.Fprintf(&b, "%.2f\t%s:%s\t%s\n", score, it.Type, it.ID, it.Title)
		}
		return strings.TrimRight(b.String(), "\n")
	})
}

func runItemRm(cmd *cobra.Command, args []string) {
	ref, err := parseRef(args[0])
	if err != nil {
		exitErr("item rm", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.DeleteItem(cmd.Context(), ref.Type, ref.ID); err != nil {
		exitErr("item rm", err)
	}
	output(map[string]string{"deleted": ref.String()}, func() string { return "deleted " + ref.String() })
}
