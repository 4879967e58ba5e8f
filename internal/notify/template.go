package notify

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Rendered is a message ready to be sent as email.
type Rendered struct {
	Subject string
	HTML    string
}

var statusText = map[string]string{
	"paid":       "We have confirmed your payment and are preparing your order.",
	"in_transit": "Your order is on its way.",
	"delivered":  "Your order has been delivered. Thank you for shopping with us!",
	"canceled":   "Your order has been canceled. If you have questions, please contact us.",
}

var statusSubject = map[string]string{
	"paid":       "Payment confirmed",
	"in_transit": "Your order is on its way",
	"delivered":  "Order delivered",
	"canceled":   "Order canceled",
}

// templates is only cloned, never executed, so each Renderer can bind its
// own money formatter.
var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"money": func(v decimal.Decimal) string { return v.StringFixed(2) },
}).Parse(`
{{define "order_placed"}}<h2>Thank you for your order, {{.Data.CustomerName}}!</h2>
<p>{{.Shop}} has received your order.</p>
<table>
<tr><th>Item</th><th>Qty</th><th>Unit price</th><th>Subtotal</th></tr>
{{range .Data.Lines}}<tr><td>{{.Name}}</td><td>{{.Quantity}}</td><td>{{money .UnitPrice}}</td><td>{{money .Subtotal}}</td></tr>
{{end}}</table>
<p><strong>Total: {{money .Data.Total}}</strong></p>
<p>Payment method: {{.Data.PaymentMethod}}</p>
{{if .Data.Notes}}<p>Notes: {{.Data.Notes}}</p>{{end}}{{end}}

{{define "status_changed"}}<h2>Hello {{.Data.CustomerName}},</h2>
<p>{{.Text}}</p>
<p>Order #{{.Data.OrderID}} status: <strong>{{.Data.Status}}</strong></p>
<p>{{.Shop}}</p>{{end}}
`))

// Renderer turns outbox messages into emails.
type Renderer struct {
	ShopName string
	// Locale is a BCP 47 tag for number formatting. Defaults to English.
	Locale string
}

// Render renders m with the template selected by its kind.
func (r Renderer) Render(m Message) (Rendered, error) {
	switch m.Kind {
	case KindOrderPlaced:
		p, err := m.DecodeOrderPlaced()
		if err != nil {
			return Rendered{}, err
		}
		body, err := r.execute(string(m.Kind), map[string]any{"Shop": r.ShopName, "Data": p})
		if err != nil {
			return Rendered{}, err
		}
		return Rendered{Subject: fmt.Sprintf("%s: order confirmation", r.ShopName), HTML: body}, nil
	case KindStatusChanged:
		p, err := m.DecodeStatusChanged()
		if err != nil {
			return Rendered{}, err
		}
		text, ok := statusText[p.Status]
		if !ok {
			text = fmt.Sprintf("Your order status is now %s.", p.Status)
		}
		subject, ok := statusSubject[p.Status]
		if !ok {
			subject = "Order update"
		}
		body, err := r.execute(string(m.Kind), map[string]any{"Shop": r.ShopName, "Data": p, "Text": text})
		if err != nil {
			return Rendered{}, err
		}
		return Rendered{Subject: fmt.Sprintf("%s: %s (order #%d)", r.ShopName, subject, p.OrderID), HTML: body}, nil
	default:
		return Rendered{}, errors.Errorf("unknown message kind %q", m.Kind)
	}
}

func (r Renderer) execute(name string, data any) (string, error) {
	t, err := templates.Clone()
	if err != nil {
		return "", errors.Wrap(err, "clone templates")
	}
	t.Funcs(template.FuncMap{"money": r.money})

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		return "", errors.Wrapf(err, "execute %s template", name)
	}
	return buf.String(), nil
}

func (r Renderer) money(v decimal.Decimal) string {
	tag := language.English
	if r.Locale != "" {
		if parsed, err := language.Parse(r.Locale); err == nil {
			tag = parsed
		}
	}
	return message.NewPrinter(tag).Sprintf("%.2f", v.Round(2).InexactFloat64())
}
