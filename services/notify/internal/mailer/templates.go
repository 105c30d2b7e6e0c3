package mailer

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

var (
	confirmationHTML = htmltemplate.Must(htmltemplate.New("confirmation").Parse(`
		<h2>Your consultation request is in</h2>
		<p>Hi {{.Name}},</p>
		<p>We received your <strong>{{.Type}}</strong> request (#{{.BookingID}}).</p>
		{{if .IsFree}}<p>This is your complimentary first consultation. An expert will reach out to schedule it.</p>
		{{else}}<p>Your booking is awaiting payment. It will be confirmed once payment completes.</p>{{end}}
		{{if .ManageURL}}<p><a href="{{.ManageURL}}">View or cancel your booking</a></p>{{end}}
	`))
	confirmationText = texttemplate.Must(texttemplate.New("confirmation").Parse(
		`Hi {{.Name}},

We received your {{.Type}} request (#{{.BookingID}}).
{{if .IsFree}}This is your complimentary first consultation. An expert will reach out to schedule it.{{else}}Your booking is awaiting payment.{{end}}
{{if .ManageURL}}
Manage your booking: {{.ManageURL}}{{end}}
`))

	invitationHTML = htmltemplate.Must(htmltemplate.New("invitation").Parse(`
		<h2>Keep track of your consultations</h2>
		<p>Hi {{.Name}},</p>
		<p>Create a ChainConsult account to see all your bookings in one place.</p>
		<p><a href="{{.RegisterURL}}">Create your account</a></p>
	`))
	invitationText = texttemplate.Must(texttemplate.New("invitation").Parse(
		`Hi {{.Name}},

Create a ChainConsult account to see all your bookings in one place:
{{.RegisterURL}}
`))
)


func render(html *htmltemplate.Template, text *texttemplate.Template, data any) (string, string, error) {
	var h, t bytes.Buffer
	if err := html.Execute(&h, data); err != nil {
		return "", "", err
	}
	if err := text.Execute(&t, data); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(h.String()), strings.TrimSpace(t.String()), nil
}

func displayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "there"
	}
	return name
}

func humanType(t string) string {
	return strings.ReplaceAll(t, "_", " ")
}

func renderBookingConfirmation(toEmail, toName string, b BookingDetails) (Message, error) {
	data := struct {
		Name      string
		Type      string
		BookingID int64
		IsFree    bool
		ManageURL string
	}{displayName(toName), humanType(b.Type), b.BookingID, b.IsFreeConsultation, b.ManageURL}

	html, text, err := render(confirmationHTML, confirmationText, data)
	if err != nil {
		return Message{}, err
	}
	subject := "Your ChainConsult booking request"
	if b.IsFreeConsultation {
		subject = "Your free ChainConsult consultation"
	}
	return Message{ToEmail: toEmail, ToName: toName, Subject: subject, Text: text, HTML: html}, nil
}

func renderAccountInvitation(toEmail, toName, registerURL string) (Message, error) {
	data := struct {
		Name        string
		RegisterURL string
	}{displayName(toName), registerURL}

	html, text, err := render(invitationHTML, invitationText, data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ToEmail: toEmail,
		ToName:  toName,
		Subject: "Create your ChainConsult account",
		Text:    text,
		HTML:    html,
	}, nil
}
