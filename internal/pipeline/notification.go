package pipeline

import (
	"bytes"
	htmltemplate "html/template"
	"text/template"
	"time"

	"skydump-go/pkg/email"
	"skydump-go/pkg/tasks"

	"github.com/dustin/go-humanize"
)

const anonymousUser = "Anonymous User"

type notificationData struct {
	Title     string
	Intro     string
	User      string
	Time      string
	FileName  string
	FileSize  string
	URL       string
	Error     string
	Failed    bool
	Dashboard string
}

var textTmpl = template.Must(template.New("text").Parse(`{{.Title}}

Hi Admin,

{{.Intro}}

User Information:
- User: {{.User}}
- Time: {{.Time}}

File Details:
- File Name: {{.FileName}}
{{- if .FileSize}}
- File Size: {{.FileSize}}
{{- end}}
{{- if .URL}}
- Download URL: {{.URL}}
{{- end}}
{{- if .Error}}

Error: {{.Error}}
{{- end}}
{{- if .Dashboard}}

Dashboard: {{.Dashboard}}
{{- end}}

This is an automated notification from SKY DUMP Admin System
`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; background-color: #f8fafc;">
  <div style="max-width: 600px; margin: 0 auto; background-color: white;">
    <div style="padding: 2rem; text-align: center; color: white; background: {{if .Failed}}#dc2626{{else}}#10b981{{end}};">
      <h1>{{.Title}}</h1>
    </div>
    <div style="padding: 2rem;">
      <p>Hi Admin,</p>
      <p>{{.Intro}}</p>
      <h3>User Information</h3>
      <p><strong>User:</strong> {{.User}}</p>
      <p><strong>Time:</strong> {{.Time}}</p>
      <h3>File Details</h3>
      <p><strong>File Name:</strong> {{.FileName}}</p>
      {{if .FileSize}}<p><strong>File Size:</strong> {{.FileSize}}</p>{{end}}
      {{if .URL}}<p><strong>Download URL:</strong> <a href="{{.URL}}">View File</a></p>{{end}}
      {{if .Error}}<p><strong>Error:</strong> {{.Error}}</p>{{end}}
      {{if .Dashboard}}<p><a href="{{.Dashboard}}">View Dashboard</a></p>{{end}}
    </div>
    <div style="padding: 1rem; text-align: center; color: #6b7280; font-size: 0.875rem;">
      <p>This is an automated notification from SKY DUMP Admin System</p>
    </div>
  </div>
</body>
</html>
`))

// buildNotification 为上传事件生成管理员通知邮件，未知事件类型返回 nil。
func buildNotification(event tasks.UploadEvent, dashboardURL string) (*email.Message, error) {
	data := notificationData{
		User:      anonymousUser,
		Time:      event.OccurredAt.Local().Format(time.RFC1123),
		FileName:  event.FileName,
		URL:       event.DownloadURL,
		Error:     event.Error,
		Dashboard: dashboardURL,
	}
	if event.Username != "" {
		data.User = event.Username
	}
	if event.FileSize > 0 {
		data.FileSize = humanize.IBytes(uint64(event.FileSize))
	}

	var subject string
	switch event.Type {
	case tasks.EventUploadCompleted:
		subject = "SKY DUMP: New Upload Complete - " + event.FileName
		data.Title = "New Upload Complete"
		data.Intro = "A new video upload has completed successfully on SKY DUMP."
	case tasks.EventUploadFailed:
		subject = "SKY DUMP: Upload Failed - " + event.FileName
		data.Title = "Upload Failed"
		data.Intro = "An upload attempt has failed on SKY DUMP. This may require attention."
		data.Failed = true
	default:
		return nil, nil
	}

	var text, html bytes.Buffer
	if err := textTmpl.Execute(&text, data); err != nil {
		return nil, err
	}
	if err := htmlTmpl.Execute(&html, data); err != nil {
		return nil, err
	}
	return &email.Message{Subject: subject, Text: text.String(), HTML: html.String()}, nil
}
