package httpapi

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html/template"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/service"
)

const reportTimeLayout = "02/01/2006 15:04"

func closureReportToCSV(report domain.ClosureReport, loc *time.Location) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	records := [][]string{
		{"secao", "chave", "valor"},
		{"resumo", "organizacao", report.OrganizationName},
		{"resumo", "loja", report.StoreName},
		{"resumo", "fechado_por", report.ClosedBy},
		{"resumo", "inicio", report.PeriodStart.In(loc).Format(reportTimeLayout)},
		{"resumo", "fim", report.PeriodEnd.In(loc).Format(reportTimeLayout)},
		{"resumo", "vendas", strconv.Itoa(report.SalesCount)},
		{"resumo", "total_centavos", strconv.FormatInt(report.TotalCents, 10)},
	}
	for _, payment := range report.ByPayment {
		records = append(records,
			[]string{"pagamento", payment.PaymentMethod + "_vendas", strconv.Itoa(payment.Sales)},
			[]string{"pagamento", payment.PaymentMethod + "_total_centavos", strconv.FormatInt(payment.TotalCents, 10)},
		)
	}
	if err := w.WriteAll(records); err != nil {
		return nil, err
	}

	items := [][]string{{}, {"venda", "data", "vendedor", "cliente", "pagamento", "produto", "variacao", "quantidade", "preco_unitario_centavos", "total_item_centavos"}}
	for _, sale := range report.Sales {
		for _, item := range sale.Items {
			items = append(items, []string{
				sale.SaleID,
				sale.CreatedAt.In(loc).Format(reportTimeLayout),
				sale.SellerName,
				sale.ClientName,
				sale.PaymentMethod,
				item.ProductName,
				item.VariantLabel,
				strconv.Itoa(item.Quantity),
				strconv.FormatInt(item.UnitPriceCents, 10),
				strconv.FormatInt(item.LineTotalCents, 10),
			})
		}
	}
	if err := w.WriteAll(items); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// closureReportHTMLTmpl escapes every field; names come from user input.
var closureReportHTMLTmpl = template.Must(template.New("closure-report").Funcs(template.FuncMap{
	"brl":     service.FormatBRL,
	"payment": service.PaymentLabel,
}).Parse(`<!doctype html>
<html lang="pt-BR">
<head>
  <meta charset="utf-8" />
  <title>Fechamento de caixa {{.Store}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    td.num { text-align: right; }
    h2, h3 { margin-bottom: 4px; }
    @media print { button { display: none; } }
  </style>
</head>
<body>
  <h2>{{.Report.OrganizationName}} · Fechamento de caixa</h2>
  <p>Loja: {{.Report.StoreName}}</p>
  <p>Período: {{.Start}} até {{.End}}</p>
  <p>Fechado por: {{.Report.ClosedBy}}</p>
  <p>Vendas: {{.Report.SalesCount}} | Total: {{brl .Report.TotalCents}}</p>

  <h3>Por forma de pagamento</h3>
  <table>
    <thead><tr><th>Pagamento</th><th>Vendas</th><th>Total</th></tr></thead>
    <tbody>{{range .Report.ByPayment}}<tr><td>{{payment .PaymentMethod}}</td><td class="num">{{.Sales}}</td><td class="num">{{brl .TotalCents}}</td></tr>{{end}}</tbody>
  </table>

  <h3>Vendas</h3>
  <table>
    <thead><tr><th>Venda</th><th>Vendedor</th><th>Cliente</th><th>Pagamento</th><th>Itens</th><th>Total</th></tr></thead>
    <tbody>{{range .Report.Sales}}<tr>
      <td>{{.SaleID}}</td><td>{{.SellerName}}</td><td>{{.ClientName}}</td><td>{{payment .PaymentMethod}}</td>
      <td>{{range .Items}}{{.Quantity}}x {{.ProductName}}{{if .VariantLabel}} ({{.VariantLabel}}){{end}}<br/>{{end}}</td>
      <td class="num">{{brl .TotalCents}}</td>
    </tr>{{end}}</tbody>
  </table>
  <button onclick="window.print()">Imprimir</button>
</body>
</html>
`))

type closureReportView struct {
	Report domain.ClosureReport
	Store  string
	Start  string
	End    string
}

func closureReportToPrintableHTML(report domain.ClosureReport, loc *time.Location) string {
	var buf bytes.Buffer
	view := closureReportView{
		Report: report,
		Store:  report.StoreName,
		Start:  report.PeriodStart.In(loc).Format(reportTimeLayout),
		End:    report.PeriodEnd.In(loc).Format(reportTimeLayout),
	}
	if err := closureReportHTMLTmpl.Execute(&buf, view); err != nil {
		return "<!doctype html><html><body><p>Erro ao gerar o relatório.</p></body></html>"
	}
	return buf.String()
}

func closureReportToPDF(report domain.ClosureReport, loc *time.Location) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(tr("Fechamento de caixa "+report.StoreName), false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, tr(report.OrganizationName+" - Fechamento de caixa"), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	lines := []string{
		"Loja: " + report.StoreName,
		fmt.Sprintf("Período: %s até %s", report.PeriodStart.In(loc).Format(reportTimeLayout), report.PeriodEnd.In(loc).Format(reportTimeLayout)),
		"Fechado por: " + report.ClosedBy,
		fmt.Sprintf("Vendas: %d | Total: %s", report.SalesCount, service.FormatBRL(report.TotalCents)),
	}
	for _, line := range lines {
		pdf.CellFormat(0, 6, tr(line), "", 1, "L", false, 0, "")
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, 7, tr("Por forma de pagamento"), "", 1, "L", false, 0, "")
	pdfTableHeader(pdf, tr, []string{"Pagamento", "Vendas", "Total"}, []float64{90, 40, 50})
	pdf.SetFont("Helvetica", "", 10)
	for _, payment := range report.ByPayment {
		pdf.CellFormat(90, 6, tr(service.PaymentLabel(payment.PaymentMethod)), "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, strconv.Itoa(payment.Sales), "1", 0, "R", false, 0, "")
		pdf.CellFormat(50, 6, tr(service.FormatBRL(payment.TotalCents)), "1", 1, "R", false, 0, "")
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, 7, tr("Vendas"), "", 1, "L", false, 0, "")
	widths := []float64{25, 45, 45, 35, 30}
	pdfTableHeader(pdf, tr, []string{"Hora", "Vendedor", "Cliente", "Pagamento", "Total"}, widths)
	pdf.SetFont("Helvetica", "", 9)
	for _, sale := range report.Sales {
		pdf.CellFormat(widths[0], 6, sale.CreatedAt.In(loc).Format("15:04"), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, tr(sale.SellerName), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[2], 6, tr(sale.ClientName), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[3], 6, tr(service.PaymentLabel(sale.PaymentMethod)), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[4], 6, tr(service.FormatBRL(sale.TotalCents)), "1", 1, "R", false, 0, "")
		for _, item := range sale.Items {
			label := fmt.Sprintf("   %dx %s", item.Quantity, item.ProductName)
			if item.VariantLabel != "" {
				label += " (" + item.VariantLabel + ")"
			}
			pdf.CellFormat(150, 5, tr(label), "LR", 0, "L", false, 0, "")
			pdf.CellFormat(30, 5, tr(service.FormatBRL(item.LineTotalCents)), "R", 1, "R", false, 0, "")
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render closure pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func pdfTableHeader(pdf *gofpdf.Fpdf, tr func(string) string, titles []string, widths []float64) {
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(230, 230, 230)
	for i, title := range titles {
		ln := 0
		if i == len(titles)-1 {
			ln = 1
		}
		pdf.CellFormat(widths[i], 7, tr(title), "1", ln, "L", true, 0, "")
	}
}
