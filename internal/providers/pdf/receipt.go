package pdf

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"

	topupdomain "github.com/baulisto/billing/internal/topup/domain"
)

type MarotoProvider struct{}

func (p *MarotoProvider) GenerateTopupReceipt(ctx context.Context, data topupdomain.ReceiptData) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(12, "Credit Top-up Receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(25,
		col.New(6).Add(
			text.New("Receipt number: "+data.TopupID.String(), props.Text{Top: 0}),
			text.New("Date paid: "+data.CompletedAt.Format("2006-01-02"), props.Text{Top: 5}),
			text.New("Payment reference: "+data.PaymentReference, props.Text{Top: 10}),
		),
		col.New(6).Add(
			text.New(data.OrganizationName, props.Text{Style: fontstyle.Bold}),
			text.New(data.BillingEmail, props.Text{Top: 5}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, formatAmount(data.AmountPaid)+" "+data.Currency+" paid on "+data.CompletedAt.Format("2006-01-02"), props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(8, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Credits", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	baseCredits := data.CreditsReceived - data.BonusCredits
	m.AddRow(12,
		text.NewCol(8, fmt.Sprintf("Credit top-up (%s %s)", formatAmount(data.AmountPaid), data.Currency), props.Text{Size: 9}),
		text.NewCol(4, formatAmount(baseCredits), props.Text{Size: 9, Align: align.Right}),
	)
	if data.BonusCredits > 0 {
		m.AddRow(12,
			text.NewCol(8, fmt.Sprintf("Volume bonus (+%d%%)", data.BonusPercentage), props.Text{Size: 9}),
			text.NewCol(4, formatAmount(data.BonusCredits), props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(10,
		col.New(6),
		text.NewCol(2, "Total", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(4, formatAmount(data.CreditsReceived), props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return doc.GetBytes(), nil
}

// formatAmount renders credits with thin spacing between thousands groups.
func formatAmount(v int64) string {
	s := strconv.FormatInt(v, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		if i > 0 && (len(s)-i)%3 == 0 {
			out.WriteByte(' ')
		}
		out.WriteByte(s[i])
	}
	if neg {
		return "-" + out.String()
	}
	return out.String()
}
