package model

import (
	"unicode/utf8"

	"github.com/Laisky/errors/v2"

	"github.com/llmgate/llmgate/common/helper"
)

// Attempt statuses. Terminal statuses are success, failed, and skipped.
const (
	AttemptStatusStarted = "started"
	AttemptStatusSuccess = "success"
	AttemptStatusFailed  = "failed"
	AttemptStatusSkipped = "skipped"
)

// Attempt records one outbound call on one candidate. A request produces a
// sequence of attempts, one per candidate tried by the fallback loop.
type Attempt struct {
	Id         int64  `json:"id" gorm:"primaryKey"`
	RequestId  string `json:"request_id" gorm:"type:char(32);index"`
	ProviderId int    `json:"provider_id" gorm:"index"`
	EndpointId int    `json:"endpoint_id"`
	KeyId      int    `json:"key_id" gorm:"index"`

	Status       string `json:"status" gorm:"type:varchar(16);index"`
	StatusCode   *int   `json:"status_code"`
	LatencyMs    *int64 `json:"latency_ms" gorm:"bigint"`
	ErrorType    string `json:"error_type" gorm:"type:varchar(32)"`
	ErrorMessage string `json:"error_message" gorm:"type:varchar(1024)"`

	CreatedAt  int64  `json:"created_at" gorm:"bigint"`
	StartedAt  int64  `json:"started_at" gorm:"bigint"`
	FinishedAt *int64 `json:"finished_at" gorm:"bigint"`
}

// BeginAttempt persists a started attempt row before the outbound call.
func BeginAttempt(requestId string, providerId, endpointId, keyId int) (*Attempt, error) {
	now := helper.GetTimestamp()
	attempt := &Attempt{
		RequestId:  requestId,
		ProviderId: providerId,
		EndpointId: endpointId,
		KeyId:      keyId,
		Status:     AttemptStatusStarted,
		CreatedAt:  now,
		StartedAt:  now,
	}
	if err := DB.Create(attempt).Error; err != nil {
		return nil, errors.Wrapf(err, "create attempt for request %s", requestId)
	}
	return attempt, nil
}

// Finish moves the attempt to a terminal status. ErrorMessage is truncated to
// the column width.
func (a *Attempt) Finish(status string, statusCode int, latencyMs int64, errorType, errorMessage string) error {
	now := helper.GetTimestamp()
	a.Status = status
	a.LatencyMs = &latencyMs
	a.ErrorType = errorType
	a.ErrorMessage = truncate(errorMessage, 1024)
	a.FinishedAt = &now
	updates := map[string]any{
		"status":        a.Status,
		"latency_ms":    a.LatencyMs,
		"error_type":    a.ErrorType,
		"error_message": a.ErrorMessage,
		"finished_at":   a.FinishedAt,
	}
	if statusCode != 0 {
		a.StatusCode = &statusCode
		updates["status_code"] = a.StatusCode
	}
	err := DB.Model(&Attempt{}).Where("id = ?", a.Id).Updates(updates).Error
	return errors.Wrapf(err, "finish attempt %d", a.Id)
}

// GetAttemptsByRequestId returns the attempt trail of one request in creation
// order.
func GetAttemptsByRequestId(requestId string) ([]*Attempt, error) {
	var attempts []*Attempt
	err := DB.Where("request_id = ?", requestId).Order("id asc").Find(&attempts).Error
	return attempts, errors.Wrapf(err, "get attempts of request %s", requestId)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
