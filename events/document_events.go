package events

import (
	"github.com/google/uuid"
)

// Aggregate type identifiers.
const (
	AggregateTypeDocument        = "document"
	AggregateTypePolicy          = "policy"
	AggregateTypeFeedbackSession = "feedback_session"
)

// Event type identifiers.
const (
	EventTypeDocumentUploaded       = "DocumentUploaded"
	EventTypeDocumentParsed         = "DocumentParsed"
	EventTypeDocumentArchived       = "DocumentArchived"
	EventTypePolicyEvaluated        = "PolicyEvaluated"
	EventTypeFeedbackSessionStarted = "FeedbackSessionStarted"
	EventTypeFeedbackSubmitted      = "FeedbackSubmitted"
)

// Current payload schema versions. DocumentUploaded and DocumentParsed have
// been through one schema migration each; see upcasters.go for the chain.
const (
	DocumentUploadedSchemaVersion       = 2
	DocumentParsedSchemaVersion         = 2
	DocumentArchivedSchemaVersion       = 1
	PolicyEvaluatedSchemaVersion        = 1
	FeedbackSessionStartedSchemaVersion = 1
	FeedbackSubmittedSchemaVersion      = 1
)

// Outcome is the result of evaluating a policy against a document.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeWarn Outcome = "warn"
	OutcomeFail Outcome = "fail"
)

// Finding is a single policy finding attached to a PolicyEvaluated event.
type Finding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// DocumentUploaded records that a new document entered the system.
type DocumentUploaded struct {
	Base
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	UploadedBy  string `json:"uploaded_by"`
}

// NewDocumentUploaded creates a DocumentUploaded event at the current schema
// version.
func NewDocumentUploaded(documentID uuid.UUID, fileName, contentType string, sizeBytes int64, uploadedBy string) *DocumentUploaded {
	return &DocumentUploaded{
		Base:        NewBase(documentID, DocumentUploadedSchemaVersion),
		FileName:    fileName,
		ContentType: contentType,
		SizeBytes:   sizeBytes,
		UploadedBy:  uploadedBy,
	}
}

func (e DocumentUploaded) EventType() string     { return EventTypeDocumentUploaded }
func (e DocumentUploaded) AggregateType() string { return AggregateTypeDocument }

// DocumentParsed records that a document's content was extracted.
type DocumentParsed struct {
	Base
	PageCount int    `json:"page_count"`
	Parser    string `json:"parser"`
	Language  string `json:"language"`
}

func NewDocumentParsed(documentID uuid.UUID, pageCount int, parser, language string) *DocumentParsed {
	return &DocumentParsed{
		Base:      NewBase(documentID, DocumentParsedSchemaVersion),
		PageCount: pageCount,
		Parser:    parser,
		Language:  language,
	}
}

func (e DocumentParsed) EventType() string     { return EventTypeDocumentParsed }
func (e DocumentParsed) AggregateType() string { return AggregateTypeDocument }

// DocumentArchived records that a document was taken out of circulation.
type DocumentArchived struct {
	Base
	Reason string `json:"reason"`
}

func NewDocumentArchived(documentID uuid.UUID, reason string) *DocumentArchived {
	return &DocumentArchived{
		Base:   NewBase(documentID, DocumentArchivedSchemaVersion),
		Reason: reason,
	}
}

func (e DocumentArchived) EventType() string     { return EventTypeDocumentArchived }
func (e DocumentArchived) AggregateType() string { return AggregateTypeDocument }

// PolicyEvaluated records the outcome of running a policy against a document.
type PolicyEvaluated struct {
	Base
	DocumentID uuid.UUID `json:"document_id"`
	Outcome    Outcome   `json:"outcome"`
	Findings   []Finding `json:"findings"`
}

func NewPolicyEvaluated(policyID, documentID uuid.UUID, outcome Outcome, findings []Finding) *PolicyEvaluated {
	return &PolicyEvaluated{
		Base:       NewBase(policyID, PolicyEvaluatedSchemaVersion),
		DocumentID: documentID,
		Outcome:    outcome,
		Findings:   findings,
	}
}

func (e PolicyEvaluated) EventType() string     { return EventTypePolicyEvaluated }
func (e PolicyEvaluated) AggregateType() string { return AggregateTypePolicy }

// FeedbackSessionStarted records that a reviewer opened a feedback session
// on a document.
type FeedbackSessionStarted struct {
	Base
	DocumentID uuid.UUID `json:"document_id"`
	ReviewerID uuid.UUID `json:"reviewer_id"`
}

func NewFeedbackSessionStarted(sessionID, documentID, reviewerID uuid.UUID) *FeedbackSessionStarted {
	return &FeedbackSessionStarted{
		Base:       NewBase(sessionID, FeedbackSessionStartedSchemaVersion),
		DocumentID: documentID,
		ReviewerID: reviewerID,
	}
}

func (e FeedbackSessionStarted) EventType() string     { return EventTypeFeedbackSessionStarted }
func (e FeedbackSessionStarted) AggregateType() string { return AggregateTypeFeedbackSession }

// FeedbackSubmitted records a reviewer's rating and comment for a session.
type FeedbackSubmitted struct {
	Base
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func NewFeedbackSubmitted(sessionID uuid.UUID, rating int, comment string) *FeedbackSubmitted {
	return &FeedbackSubmitted{
		Base:    NewBase(sessionID, FeedbackSubmittedSchemaVersion),
		Rating:  rating,
		Comment: comment,
	}
}

func (e FeedbackSubmitted) EventType() string     { return EventTypeFeedbackSubmitted }
func (e FeedbackSubmitted) AggregateType() string { return AggregateTypeFeedbackSession }

// RegisterDocumentEvents registers every built-in event type with the
// serializer.
func RegisterDocumentEvents(s *Serializer) {
	s.Register(EventTypeDocumentUploaded, func() DomainEvent { return new(DocumentUploaded) })
	s.Register(EventTypeDocumentParsed, func() DomainEvent { return new(DocumentParsed) })
	s.Register(EventTypeDocumentArchived, func() DomainEvent { return new(DocumentArchived) })
	s.Register(EventTypePolicyEvaluated, func() DomainEvent { return new(PolicyEvaluated) })
	s.Register(EventTypeFeedbackSessionStarted, func() DomainEvent { return new(FeedbackSessionStarted) })
	s.Register(EventTypeFeedbackSubmitted, func() DomainEvent { return new(FeedbackSubmitted) })
}
