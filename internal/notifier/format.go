package notifier

import (
	"fmt"
	"html"
	"strings"

	"grid-rebalance-bot/internal/models"

	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02 15:04:05"

// FormatEvent renders an event as Telegram HTML.
func FormatEvent(ev models.Event) string {
	var b strings.Builder
	switch {
	case ev.Kind == models.EventFill && ev.Fill != nil:
		formatFill(&b, ev)
	case ev.Kind == models.EventRebalance && ev.Rebalance != nil:
		formatRebalance(&b, ev.Rebalance)
	case ev.Kind == models.EventError:
		fmt.Fprintf(&b, "⚠️ <b>ERROR</b> %s\n\n%s\n", html.EscapeString(ev.Symbol), html.EscapeString(ev.Message))
	case ev.Kind == models.EventStatus:
		fmt.Fprintf(&b, "📊 <b>Status Report</b>\n\n<pre>%s</pre>\n", html.EscapeString(ev.Message))
	default:
		fmt.Fprintf(&b, "ℹ️ <b>%s</b>\n\n%s\n", html.EscapeString(ev.Symbol), html.EscapeString(ev.Message))
	}
	fmt.Fprintf(&b, "\n<i>%s UTC</i>", ev.Timestamp.UTC().Format(timeLayout))
	return b.String()
}

func formatFill(b *strings.Builder, ev models.Event) {
	f := ev.Fill
	emoji := "🟢"
	if f.Side == models.Sell {
		emoji = "🔴"
	}
	fmt.Fprintf(b, "%s <b>Grid %s</b> %s\n\n", emoji, f.Side, html.EscapeString(f.Symbol))
	fmt.Fprintf(b, "<b>Price:</b> %s\n", money(f.Price))
	fmt.Fprintf(b, "<b>Quantity:</b> %s\n", f.Quantity.StringFixed(6))
	fmt.Fprintf(b, "<b>Value:</b> %s\n", money(f.Value()))
	if f.Trade != nil {
		fmt.Fprintf(b, "<b>Entry:</b> %s\n", money(f.Trade.EntryPrice))
		fmt.Fprintf(b, "<b>Trade PnL:</b> %s\n", signed(f.Trade.PnL))
	}
	fmt.Fprintf(b, "<b>Realized:</b> %s\n", signed(ev.RealizedPnL))
	fmt.Fprintf(b, "<b>Unrealized:</b> %s\n", signed(ev.UnrealizedPnL))
}

func formatRebalance(b *strings.Builder, r *models.RebalanceEvent) {
	emoji := "🔄"
	if r.Forced {
		emoji = "🚨"
	}
	fmt.Fprintf(b, "%s <b>Grid Rebalanced</b> %s\n\n", emoji, html.EscapeString(r.Symbol))
	fmt.Fprintf(b, "<b>Reason:</b> %s\n", html.EscapeString(r.Message))
	fmt.Fprintf(b, "<b>Old range:</b> %s - %s\n", money(r.OldRange.Lower), money(r.OldRange.Upper))
	fmt.Fprintf(b, "<b>New range:</b> %s - %s\n", money(r.NewRange.Lower), money(r.NewRange.Upper))
	fmt.Fprintf(b, "<b>Open positions:</b> %d\n", r.OpenPositions)
	fmt.Fprintf(b, "<b>Unrealized:</b> %s\n", signed(r.UnrealizedPnL))
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func signed(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Abs().StringFixed(2)
	}
	return "+$" + d.StringFixed(2)
}
