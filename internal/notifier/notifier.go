// Package notifier delivers verification codes and account alerts to users.
// Delivery itself (SMTP, a mail API) happens outside this service.
package notifier

import (
	"context"
	"fmt"
	"time"

	"wace-auth/internal/otp"
)

type AlertKind string

const (
	AlertWelcome        AlertKind = "welcome"
	AlertLoginAlert     AlertKind = "login_alert"
	AlertSessionRevoked AlertKind = "session_revoked"
)

// CodeContext is optional detail rendered next to a verification code.
type CodeContext struct {
	UserName   string `json:"userName,omitempty"`
	DeviceInfo string `json:"deviceInfo,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
}

type Notifier interface {
	SendCode(ctx context.Context, email, code string, cc CodeContext) error
	SendAlert(ctx context.Context, email string, kind AlertKind, details map[string]string) error
}

// EmailMessage is the payload handed to the mailer.
type EmailMessage struct {
	To        string            `json:"to"`
	Template  string            `json:"template"`
	Subject   string            `json:"subject"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

const templateCode = "otp_code"

func codeMessage(email, code string, cc CodeContext, now time.Time) EmailMessage {
	data := map[string]string{
		"code":          otp.Format(code),
		"expiryMinutes": fmt.Sprintf("%d", int(otp.Expiry.Minutes())),
	}
	if cc.UserName != "" {
		data["userName"] = cc.UserName
	}
	if cc.DeviceInfo != "" {
		data["deviceInfo"] = cc.DeviceInfo
	}
	if cc.IPAddress != "" {
		data["ipAddress"] = cc.IPAddress
	}
	return EmailMessage{
		To:        email,
		Template:  templateCode,
		Subject:   otp.Format(code) + " is your WACE verification code",
		Data:      data,
		CreatedAt: now,
	}
}

func alertMessage(email string, kind AlertKind, details map[string]string, now time.Time) EmailMessage {
	data := make(map[string]string, len(details))
	for k, v := range details {
		data[k] = v
	}
	return EmailMessage{
		To:        email,
		Template:  string(kind),
		Subject:   alertSubject(kind),
		Data:      data,
		CreatedAt: now,
	}
}

func alertSubject(kind AlertKind) string {
	switch kind {
	case AlertWelcome:
		return "Welcome to WACE - Your AI Collaboration Workspace"
	case AlertLoginAlert:
		return "New device login to your WACE account"
	case AlertSessionRevoked:
		return "Security alert for your WACE account"
	default:
		return "WACE account notification"
	}
}
