package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gregpriday/go-work-manager/pkg/models"
)

var (
	ordersStateFilter string
	ordersTypeFilter  string
	proposeType       string
	proposePayload    string
	rejectReason      string
	rejectRework      bool
	actorName         string
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Manage orders",
}

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/orders?state=" + ordersStateFilter
		if ordersTypeFilter != "" {
			path += "&type=" + ordersTypeFilter
		}
		var resp struct {
			Orders []*models.Order `json:"orders"`
			Count  int             `json:"count"`
		}
		if err := apiRequest("GET", path, nil, &resp); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(resp.Orders)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Type", "State", "Apply Attempts", "Created")
		for _, order := range resp.Orders {
			table.Append(order.ID, order.Type, string(order.State),
				fmt.Sprintf("%d", order.ApplyAttempts),
				order.CreatedAt.Format(time.RFC3339))
		}
		table.Render()
		fmt.Printf("\nTotal: %d orders\n", resp.Count)
		return nil
	},
}

var ordersGetCmd = &cobra.Command{
	Use:   "get <order-id>",
	Short: "Show one order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var order models.Order
		if err := apiRequest("GET", "/api/v1/orders/"+args[0], nil, &order); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(order)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("ID", order.ID)
		table.Append("Type", order.Type)
		table.Append("State", string(order.State))
		table.Append("Apply Attempts", fmt.Sprintf("%d", order.ApplyAttempts))
		table.Append("Created", order.CreatedAt.Format(time.RFC3339))
		if order.AppliedAt != nil {
			table.Append("Applied", order.AppliedAt.Format(time.RFC3339))
		}
		table.Render()
		return nil
	},
}

var ordersItemsCmd = &cobra.Command{
	Use:   "items <order-id>",
	Short: "List an order's items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Items []*models.Item `json:"items"`
			Count int            `json:"count"`
		}
		if err := apiRequest("GET", "/api/v1/orders/"+args[0]+"/items", nil, &resp); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(resp.Items)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Type", "State", "Attempts", "Holder")
		for _, item := range resp.Items {
			table.Append(item.ID, item.Type, string(item.State),
				fmt.Sprintf("%d/%d", item.Attempts, item.MaxAttempts), item.HolderID)
		}
		table.Render()
		return nil
	},
}

var ordersEventsCmd = &cobra.Command{
	Use:   "events <order-id>",
	Short: "Show an order's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Events []*models.Event `json:"events"`
		}
		if err := apiRequest("GET", "/api/v1/orders/"+args[0]+"/events", nil, &resp); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(resp.Events)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Time", "Type", "Item", "Actor", "Message")
		for _, ev := range resp.Events {
			table.Append(ev.CreatedAt.Format(time.RFC3339), ev.Type, ev.ItemID,
				ev.ActorType+"/"+ev.ActorID, ev.Message)
		}
		table.Render()
		return nil
	},
}

var ordersApproveCmd = &cobra.Command{
	Use:   "approve <order-id>",
	Short: "Approve and apply an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Order models.Order `json:"order"`
			Diff  *models.Diff `json:"diff"`
		}
		body := map[string]interface{}{"approved_by": actorName}
		if err := apiRequest("POST", "/api/v1/orders/"+args[0]+"/approve", body, &resp); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(resp)
		}
		fmt.Printf("Order %s is now %s\n", resp.Order.ID, resp.Order.State)
		return nil
	},
}

var ordersRejectCmd = &cobra.Command{
	Use:   "reject <order-id>",
	Short: "Reject a submitted order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{
			"rejected_by":  actorName,
			"reasons":      []string{rejectReason},
			"allow_rework": rejectRework,
		}
		var order models.Order
		if err := apiRequest("POST", "/api/v1/orders/"+args[0]+"/reject", body, &order); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(order)
		}
		fmt.Printf("Order %s is now %s\n", order.ID, order.State)
		return nil
	},
}

var ordersProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose a new order",
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parsePayload(proposePayload)
		if err != nil {
			return err
		}
		var order models.Order
		body := map[string]interface{}{"type": proposeType, "payload": payload}
		if err := apiRequest("POST", "/api/v1/orders", body, &order); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(order)
		}
		fmt.Printf("Created order %s (%s)\n", order.ID, order.State)
		return nil
	},
}

func init() {
	ordersListCmd.Flags().StringVar(&ordersStateFilter, "state", "", "filter by state")
	ordersListCmd.Flags().StringVar(&ordersTypeFilter, "type", "", "filter by order type")
	ordersProposeCmd.Flags().StringVar(&proposeType, "type", "task", "order type")
	ordersProposeCmd.Flags().StringVar(&proposePayload, "payload", "{}", "order payload as JSON")
	ordersApproveCmd.Flags().StringVar(&actorName, "actor", "workctl", "acting user")
	ordersRejectCmd.Flags().StringVar(&actorName, "actor", "workctl", "acting user")
	ordersRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "rejection reason")
	ordersRejectCmd.Flags().BoolVar(&rejectRework, "rework", false, "requeue the order for rework")

	ordersCmd.AddCommand(ordersListCmd, ordersGetCmd, ordersItemsCmd, ordersEventsCmd,
		ordersApproveCmd, ordersRejectCmd, ordersProposeCmd)
	rootCmd.AddCommand(ordersCmd)
}
