package vendorhooks

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nugget/pts/internal/mailmsg"
)

// Debian is a concrete Vendor modeled on the upstream Debian vendor's
// classification rules: it recognizes bug-tracker transcripts/replies
// via X-Loop/X-Debian-PR-Message, archive-upload notices via X-DAK,
// and tags dispatched headers and package information URLs the way
// packages.debian.org does.
var Debian = &Vendor{
	Name:                         "debian",
	GetKeyword:                   debianGetKeyword,
	AddNewHeaders:                debianAddNewHeaders,
	ApproveDefaultMessage:        debianApproveDefaultMessage,
	GetPackageInformationSiteURL: debianPackageInformationSiteURL,
}

var (
	reAcceptedInstalled = regexp.MustCompile(`^(Accepted|INSTALLED|ACCEPTED)`)
	reCommentsRegarding = regexp.MustCompile(`^Comments regarding .*\.changes$`)
	reDscSuffix         = regexp.MustCompile(`(?m)\.dsc\s*$`)
)

func debianGetKeyword(_ string, msg *mailmsg.Message) (string, bool) {
	xloop := strings.Join(msg.Header.Values("X-Loop"), " ")
	subject := msg.Header.Get("Subject")
	xdak := msg.Header.Get("X-DAK")
	debianPRMessage := msg.Header.Get("X-Debian-PR-Message")

	ownerMatch := strings.Contains(xloop, "owner@bugs.debian.org")

	switch {
	case ownerMatch && strings.HasPrefix(debianPRMessage, "transcript"):
		return "bts-control", true
	case ownerMatch && debianPRMessage != "":
		return "bts", true
	case xdak != "" && reAcceptedInstalled.MatchString(subject):
		if body, err := debianBody(msg); err == nil && reDscSuffix.MatchString(body) {
			return "upload-source", true
		}
		return "upload-binary", true
	case xdak != "" || reCommentsRegarding.MatchString(subject):
		return "archive", true
	}
	return "", false
}

func debianAddNewHeaders(_ *mailmsg.Message, pkg, _ string) []Header {
	return []Header{
		{Name: "X-Debian-Package", Value: pkg},
		{Name: "X-Debian", Value: "PTS"},
	}
}

func debianApproveDefaultMessage(msg *mailmsg.Message) bool {
	return msg.Header.Has("X-Bugzilla-Product")
}

func debianPackageInformationSiteURL(pkg string) (string, bool) {
	return fmt.Sprintf("https://packages.debian.org/src:%s", pkg), true
}

// debianBody joins the decoded text of every leaf part into one
// string, mirroring the upstream classifier's use of the whole message
// body (across all MIME parts) to look for a ".dsc" filename line.
func debianBody(msg *mailmsg.Message) (string, error) {
	parts, err := msg.Parts()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, p := range parts {
		text, err := p.Text()
		if err != nil {
			continue
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(text)
	}
	return b.String(), nil
}
