package mailer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/diagnosis/chainconsult/internal/utils"
	"github.com/diagnosis/chainconsult/pkg/logger"
)

// DevMailer prints messages instead of sending them.
type DevMailer struct {
	out io.Writer
}

func NewDevMailer(out io.Writer) *DevMailer {
	if out == nil {
		out = os.Stdout
	}
	return &DevMailer{out: out}
}

func (d *DevMailer) Send(ctx context.Context, msg Message) error {
	logger.InfoContext(ctx, "[DEV MAIL] "+msg.Subject,
		"to", msg.ToEmail,
		"name", msg.ToName,
		"preview", utils.Truncate(msg.Text, 120),
	)

	_, err := fmt.Fprintf(d.out, "\n"+
		"-----------------------------------------------------------------\n"+
		"EMAIL (DEV MODE)\n"+
		"-----------------------------------------------------------------\n"+
		"To: %s (%s)\n"+
		"Subject: %s\n"+
		"\n"+
		"%s\n"+
		"-----------------------------------------------------------------\n\n",
		msg.ToEmail, msg.ToName, msg.Subject, msg.Text)
	return err
}
