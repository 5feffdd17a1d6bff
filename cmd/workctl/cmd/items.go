package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gregpriday/go-work-manager/pkg/models"
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Inspect and manage work items",
}

var itemsGetCmd = &cobra.Command{
	Use:   "get <item-id>",
	Short: "Show one item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var item models.Item
		if err := apiRequest("GET", "/api/v1/items/"+args[0], nil, &item); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(item)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("ID", item.ID)
		table.Append("Order", item.OrderID)
		table.Append("Type", item.Type)
		table.Append("State", string(item.State))
		table.Append("Attempts", fmt.Sprintf("%d/%d", item.Attempts, item.MaxAttempts))
		if item.HolderID != "" {
			table.Append("Holder", item.HolderID)
			if item.LeaseExpiresAt != nil {
				table.Append("Lease Expires", item.LeaseExpiresAt.Format(time.RFC3339))
			}
		}
		if item.Error != nil {
			table.Append("Error", fmt.Sprintf("%s: %s", item.Error.Code, item.Error.Message))
		}
		table.Render()
		return nil
	},
}

var itemsPartsCmd = &cobra.Command{
	Use:   "parts <item-id>",
	Short: "List an item's submitted parts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Parts      []*models.Part               `json:"parts"`
			PartsState map[string]models.PartStatus `json:"parts_state"`
		}
		if err := apiRequest("GET", "/api/v1/items/"+args[0]+"/parts", nil, &resp); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(resp)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Key", "Seq", "Status", "Submitted")
		for _, part := range resp.Parts {
			table.Append(part.PartKey, fmt.Sprintf("%d", part.Seq),
				string(part.Status), part.CreatedAt.Format(time.RFC3339))
		}
		table.Render()
		return nil
	},
}

var itemsRetryCmd = &cobra.Command{
	Use:   "retry <item-id>",
	Short: "Requeue a failed item with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var item models.Item
		body := map[string]interface{}{"actor": actorName}
		if err := apiRequest("POST", "/api/v1/items/"+args[0]+"/retry", body, &item); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(item)
		}
		fmt.Printf("Item %s is now %s\n", item.ID, item.State)
		return nil
	},
}

func init() {
	itemsRetryCmd.Flags().StringVar(&actorName, "actor", "workctl", "acting user")
	itemsCmd.AddCommand(itemsGetCmd, itemsPartsCmd, itemsRetryCmd)
	rootCmd.AddCommand(itemsCmd)
}
