package notify

import (
	htmltemplate "html/template"
	texttemplate "text/template"
)

var textBody = texttemplate.Must(texttemplate.New("text").Parse(`{{.Greeting}}

Manuses leiate arve meie osutatud teenuste/toodete eest.

Arve number: #{{.InvoiceNumber}}
Summa: {{.TotalAmount}} EUR{{if .DueDate}}
Maksetähtaeg: {{.DueDate}}{{end}}

Palume arve tasumisel märkida selgitusse arve number.

Parimate soovidega,
{{.CompanyName}} meeskond

{{.CompanyName}} | {{.CompanyAddress}}
Tel: {{.CompanyPhone}} | Email: {{.CompanyEmail}}
{{.CompanyBank}}
`))

var htmlBody = htmltemplate.Must(htmltemplate.New("html").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <div style="background-color: #f8f9fa; padding: 20px; text-align: center;">
    <h2 style="color: #2c5530;">{{.CompanyName}}</h2>
  </div>
  <div style="padding: 30px 20px;">
    <p>{{.Greeting}}</p>
    <p>Manuses leiate arve meie osutatud teenuste/toodete eest.</p>
    <div style="background-color: #e8f5e8; padding: 15px; border-radius: 5px; margin: 20px 0;">
      <p style="margin: 0;"><strong>Arve number:</strong> #{{.InvoiceNumber}}</p>
      <p style="margin: 0;"><strong>Summa:</strong> {{.TotalAmount}} EUR</p>{{if .DueDate}}
      <p style="margin: 0;"><strong>Maksetähtaeg:</strong> {{.DueDate}}</p>{{end}}
    </div>
    <p>Palume arve tasumisel märkida selgitusse arve number.</p>
    <p>Parimate soovidega,<br><strong>{{.CompanyName}} meeskond</strong></p>
  </div>
  <div style="background-color: #f8f9fa; padding: 20px; text-align: center; font-size: 12px; color: #666;">
    <p>{{.CompanyName}} | {{.CompanyAddress}}</p>
    <p>Tel: {{.CompanyPhone}} | Email: {{.CompanyEmail}}</p>
    <p>{{.CompanyBank}}</p>
  </div>
</div>
`))
