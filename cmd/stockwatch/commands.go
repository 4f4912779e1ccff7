package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"stockwatch/internal/product"
)

// call runs one API request and pretty-prints the JSON answer.
func call(cmd *cobra.Command, flags *GlobalFlags, method, path string, query url.Values, body any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), flags.Timeout)
	defer cancel()
	raw, err := NewAPIClient(flags.Addr, flags.Token, flags.Timeout).Do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), raw)
}

func printJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show monitoring state and diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, flags, http.MethodGet, "/status", nil, nil)
		},
	}
}

func createProductsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List monitored products with their last stock status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, flags, http.MethodGet, "/products", nil, nil)
		},
	}
}

func createForceCheckCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "force-check",
		Short: "Check every product now and wait for the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, flags, http.MethodPost, "/check", nil, nil)
		},
	}
}

func createEmergencyStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "emergency-stop",
		Short: "Disable monitoring, cancel checks and abort any checkout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, flags, http.MethodPost, "/emergency-stop", nil, nil)
		},
	}
}

func createAddProductCommand(flags *GlobalFlags) *cobra.Command {
	var p product.Product
	cmd := &cobra.Command{
		Use:   "add-product",
		Short: "Add or update a monitored product",
		Long: `Add a product by URL. Adding a URL that is already monitored updates it.

Examples:
  stockwatch add-product --name "Console" --url https://shop.example/console
  stockwatch add-product --name "GPU" --url https://shop.example/gpu --cart-url https://shop.example/cart/add?id=9 --auto-checkout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := p.Normalize().Validate(); err != nil {
				return err
			}
			return call(cmd, flags, http.MethodPost, "/products", nil, p)
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&p.URL, "url", "", "product page URL (required)")
	cmd.Flags().StringVar(&p.AddToCartURL, "cart-url", "", "direct add-to-cart URL")
	cmd.Flags().BoolVar(&p.AutoCheckout, "auto-checkout", false, "add to cart automatically when back in stock")
	for _, f := range []string{"name", "url"} {
		if err := cmd.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}
	return cmd
}

func createRemoveProductCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-product <url>",
		Short: "Stop monitoring a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return fmt.Errorf("url is required")
			}
			return call(cmd, flags, http.MethodDelete, "/products", url.Values{"url": {args[0]}}, nil)
		},
	}
}
