package store

import (
	"time"

	"github.com/ssmanji89/emailprocer/pkg/crypto"
)

// ProcessingStatus is the EmailMessage lifecycle state per the data model.
type ProcessingStatus string

// The closed set of processing statuses an EmailMessage can occupy.
const (
	StatusReceived   ProcessingStatus = "RECEIVED"
	StatusValidating ProcessingStatus = "VALIDATING"
	StatusClassifying ProcessingStatus = "CLASSIFYING"
	StatusAnalyzing  ProcessingStatus = "ANALYZING"
	StatusRouting    ProcessingStatus = "ROUTING"
	StatusResponding ProcessingStatus = "RESPONDING"
	StatusEscalating ProcessingStatus = "ESCALATING"
	StatusCompleted  ProcessingStatus = "COMPLETED"
	StatusFailed     ProcessingStatus = "FAILED"
)

// IsTerminal reports whether status is a terminal state (no further
// transitions occur).
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Attachment describes attachment metadata only; contents are never fetched.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// EmailMessage is the primary ingestion entity.
type EmailMessage struct {
	ID                 string
	SenderAddress      string
	SenderDisplayName  string
	RecipientAddress   string
	Subject            string
	PlainBody          crypto.EncryptedField
	HTMLBody           *crypto.EncryptedField
	BodyTruncated      bool
	ReceivedAt         time.Time
	ProcessedAt        *time.Time
	ConversationID     string
	Importance         string
	Attachments        []Attachment
	ProcessingStatus   ProcessingStatus
	RetryCount         int
	LastError          string
}

// Category is the closed set of classification categories.
type Category string

// The five categories the classifier may assign.
const (
	CategoryPurchasing   Category = "PURCHASING"
	CategorySupport      Category = "SUPPORT"
	CategoryInformation  Category = "INFORMATION"
	CategoryEscalation   Category = "ESCALATION"
	CategoryConsultation Category = "CONSULTATION"
)

// Urgency is the closed set of urgency levels.
type Urgency string

// The four urgency levels the classifier may assign.
const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// FeedbackValue is the closed set of human feedback values.
type FeedbackValue string

// The three feedback values a human reviewer may attach.
const (
	FeedbackCorrect   FeedbackValue = "correct"
	FeedbackIncorrect FeedbackValue = "incorrect"
	FeedbackPartial   FeedbackValue = "partial"
)

// ClassificationResult is 1:1 with an EmailMessage.
type ClassificationResult struct {
	EmailID            string
	Category           Category
	Confidence         float64
	Reasoning          crypto.EncryptedField
	Urgency            Urgency
	SuggestedAction    string
	RequiredExpertise  []string
	EstimatedEffort    string
	ModelID            string
	PromptVersion      string
	TokensUsed         int
	HumanFeedback      *FeedbackValue
	FeedbackNotes      string
	FeedbackAt         *time.Time
	CreatedAt          time.Time
}

// RoutingDecision is the action the Router chose for an email.
type RoutingDecision string

// The four actions the Router may choose.
const (
	ActionAutoReply     RoutingDecision = "AUTO_REPLY"
	ActionDraft         RoutingDecision = "DRAFT"
	ActionManualReview  RoutingDecision = "MANUAL_REVIEW"
	ActionEscalate      RoutingDecision = "ESCALATE"
)

// ProcessingResult records one execution of the pipeline against an email.
type ProcessingResult struct {
	ID                  int64
	EmailID              string
	Status               ProcessingStatus
	StartedAt            time.Time
	CompletedAt          *time.Time
	ActionTaken          string
	ResponseSent         bool
	EscalationCreated    bool
	EscalationRef        *string
	ProcessingTimeMS     int64
	ClassificationTimeMS int64
	ResponseGenTimeMS    int64
	ErrorMessage         string
	ErrorStage           string
	RetryCount           int
	RoutingDecision      RoutingDecision
}

// EscalationStatus is the closed set of EscalationGroup states.
type EscalationStatus string

// The three states an EscalationGroup can occupy.
const (
	EscalationActive    EscalationStatus = "active"
	EscalationResolved  EscalationStatus = "resolved"
	EscalationAbandoned EscalationStatus = "abandoned"
)

// EscalationGroup is the chat group created for a human-requiring email.
type EscalationGroup struct {
	GroupID              string
	EmailID              string
	DisplayName          string
	Description          string
	Members              []string
	Owner                string
	Status               EscalationStatus
	CreatedAt            time.Time
	ResolvedAt           *time.Time
	ResolutionNotes      string
	ResolutionTimeHours  float64
	MessageCount         int
	FirstResponseTimeMin float64
	EngagementScore      float64
}

// MemberCount returns len(Members), the invariant member_count.
func (g EscalationGroup) MemberCount() int { return len(g.Members) }

// PatternType is the closed set of EmailPattern categories.
type PatternType string

// The five pattern types an EmailPattern may carry. The detector in
// pkg/patterns derives only subject and sender patterns.
const (
	PatternSubject  PatternType = "subject"
	PatternSender   PatternType = "sender"
	PatternContent  PatternType = "content"
	PatternTiming   PatternType = "timing"
	PatternWorkflow PatternType = "workflow"
)

// EmailPattern is a recurring pattern mined across emails.
type EmailPattern struct {
	PatternID           string
	Type                PatternType
	Description         string
	Frequency           int
	FirstSeen           time.Time
	LastSeen            time.Time
	AutomationPotential float64
	SampleEmailIDs      []string
	CommonKeywords      []string
	TimeSavingsEstimate string
}

// PerformanceMetric is an append-only measurement.
type PerformanceMetric struct {
	ID          int64
	Type        string
	Name        string
	Category    string
	Value       float64
	Unit        string
	EmailID     *string
	TimeWindow  string
	Aggregation string
	Tags        map[string]string
	CreatedAt   time.Time
}

// AuditEvent is an append-only, never-mutated record of a decision or
// outbound call.
type AuditEvent struct {
	ID              int64
	EventType       string
	Action          string
	ActorID         string
	ActorSession    string
	ActorIP         string
	ActorUserAgent  string
	ResourceType    string
	ResourceID      string
	Success         bool
	Error           string
	Details         crypto.EncryptedField
	ExecutionTimeMS int64
	RiskScore       float64
	RequiresReview  bool
	CreatedAt       time.Time
}

// AuthenticationAttempt is an append-only record used for lockout and
// monitoring only.
type AuthenticationAttempt struct {
	ID         int64
	Identifier string
	Success    bool
	Reason     string
	CreatedAt  time.Time
}

// SecurityEventSeverity is the closed set of SecurityEvent severities.
type SecurityEventSeverity string

// The three severities a SecurityEvent may carry.
const (
	SeverityInfo    SecurityEventSeverity = "INFO"
	SeverityWarning SecurityEventSeverity = "WARNING"
	SeverityError   SecurityEventSeverity = "ERROR"
)

// SecurityEvent is an append-only record used for monitoring only.
type SecurityEvent struct {
	ID         int64
	Identifier string
	Kind       string
	Severity   SecurityEventSeverity
	Details    string
	CreatedAt  time.Time
}
