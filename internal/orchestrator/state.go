package orchestrator

import (
	"time"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
)

// NodeID names a workflow node.
type NodeID string

const (
	NodeRouter     NodeID = "router"
	NodeUserData   NodeID = "user_data"
	NodeNewsData   NodeID = "news_data"
	NodeDiscussion NodeID = "discussion"
	NodeRisk       NodeID = "risk"
	NodeFinalizer  NodeID = "finalizer"
	NodeFact       NodeID = "fact"
	NodeOther      NodeID = "other"
	NodeBacktest   NodeID = "backtest"
	NodeEnd        NodeID = "__end__"
)

// State is the context threaded through one workflow invocation. It is
// owned by the Graph driver; nodes only read it and return an Update.
type State struct {
	SessionID           string                       `json:"session_id"`
	MessageFromUser     string                       `json:"message_from_user"`
	MessageToUser       string                       `json:"message_to_user"`
	Stage               NodeID                       `json:"stage"`
	Portfolio           advisor.Portfolio            `json:"user_data"`
	News                []advisor.NewsItem           `json:"news_data"`
	Opinions            []advisor.Opinion            `json:"agent_opinions"`
	Decisions           []advisor.AggregatedDecision `json:"aggregated_decisions"`
	RiskAssessments     []advisor.RiskAssessment     `json:"risk_assessments"`
	FinalRecommendation string                       `json:"final_recommendations"`
	Error               string                       `json:"error,omitempty"`
	Trail               []NodeID                     `json:"trail"`
	Turn                int                          `json:"turn"`
	UpdatedAt           time.Time                    `json:"updated_at"`
}

// NewState creates an empty state for a session.
func NewState(sessionID string) *State {
	return &State{SessionID: sessionID}
}

// beginTurn prepares a (possibly resumed) state for a new user message.
// Loaded portfolio and news survive; per-turn outputs are cleared.
func (s *State) beginTurn(message string) {
	s.MessageFromUser = message
	s.MessageToUser = ""
	s.Stage = ""
	s.Opinions = nil
	s.Decisions = nil
	s.RiskAssessments = nil
	s.FinalRecommendation = ""
	s.Error = ""
	s.Trail = nil
	s.Turn++
}

// Update is the state patch returned by a node. Nil fields are left
// unchanged; a non-nil empty slice clears the field.
type Update struct {
	Portfolio           advisor.Portfolio
	News                []advisor.NewsItem
	Opinions            []advisor.Opinion
	Decisions           []advisor.AggregatedDecision
	RiskAssessments     []advisor.RiskAssessment
	FinalRecommendation *string
	MessageToUser       *string
	Error               *string
}

// Transition is a node's result: where to go next and what to merge.
type Transition struct {
	Next   NodeID
	Update Update
}

func goTo(next NodeID) Transition {
	return Transition{Next: next}
}

// endWith terminates the workflow with a user-facing message.
func endWith(message string) Transition {
	return Transition{Next: NodeEnd, Update: Update{MessageToUser: &message}}
}

// failWith terminates the workflow with an error message shown to the user.
func failWith(message string) Transition {
	return Transition{Next: NodeEnd, Update: Update{MessageToUser: &message, Error: &message}}
}

func (s *State) apply(next NodeID, u Update) {
	if u.Portfolio != nil {
		s.Portfolio = u.Portfolio
	}
	if u.News != nil {
		s.News = u.News
	}
	if u.Opinions != nil {
		s.Opinions = u.Opinions
	}
	if u.Decisions != nil {
		s.Decisions = u.Decisions
	}
	if u.RiskAssessments != nil {
		s.RiskAssessments = u.RiskAssessments
	}
	if u.FinalRecommendation != nil {
		s.FinalRecommendation = *u.FinalRecommendation
	}
	if u.MessageToUser != nil {
		s.MessageToUser = *u.MessageToUser
	}
	if u.Error != nil {
		s.Error = *u.Error
	}
	s.Stage = next
}

// Result is what one workflow turn hands to its caller.
type Result struct {
	SessionID           string                       `json:"session_id"`
	Message             string                       `json:"message"`
	Stages              []NodeID                     `json:"stages"`
	Portfolio           advisor.Portfolio            `json:"portfolio"`
	News                []advisor.NewsItem           `json:"news"`
	Opinions            []advisor.Opinion            `json:"agent_opinions"`
	Decisions           []advisor.AggregatedDecision `json:"aggregated_decisions"`
	RiskAssessments     []advisor.RiskAssessment     `json:"risk_assessments"`
	FinalRecommendation string                       `json:"final_recommendations"`
	Error               string                       `json:"error,omitempty"`
	Duration            time.Duration                `json:"duration"`
}

// Failed reports whether the turn ended on an error path.
func (r Result) Failed() bool {
	return r.Error != ""
}

func resultFrom(s *State, d time.Duration) Result {
	return Result{
		SessionID:           s.SessionID,
		Message:             s.MessageToUser,
		Stages:              append([]NodeID(nil), s.Trail...),
		Portfolio:           s.Portfolio,
		News:                s.News,
		Opinions:            s.Opinions,
		Decisions:           s.Decisions,
		RiskAssessments:     s.RiskAssessments,
		FinalRecommendation: s.FinalRecommendation,
		Error:               s.Error,
		Duration:            d,
	}
}
