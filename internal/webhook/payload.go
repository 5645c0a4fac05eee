package webhook

import "github.com/inflection/broker/internal/broker"

// pullRequestPayload is the subset of the pull_request event payload the
// broker reads.
type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title  string `json:"title"`
		Merged bool   `json:"merged"`
		State  string `json:"state"`
		WebURL string `json:"html_url"`
		Head   struct {
			Ref   string `json:"ref"`
			SHA   string `json:"sha"`
			Label string `json:"label"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (p pullRequestPayload) toEvent() broker.PullRequestEvent {
	return broker.PullRequestEvent{
		Action:       p.Action,
		Number:       p.Number,
		Title:        p.PullRequest.Title,
		Merged:       p.PullRequest.Merged,
		HeadRef:      p.PullRequest.Head.Ref,
		HeadSHA:      p.PullRequest.Head.SHA,
		HeadLabel:    p.PullRequest.Head.Label,
		BaseRef:      p.PullRequest.Base.Ref,
		RepoFullName: p.Repository.FullName,
		WebURL:       p.PullRequest.WebURL,
	}
}

// pushPayload is the subset of the push event payload the broker reads.
type pushPayload struct {
	Ref        string `json:"ref"`
	Deleted    bool   `json:"deleted"`
	Compare    string `json:"compare"`
	HeadCommit *struct {
		Message string `json:"message"`
	} `json:"head_commit"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (p pushPayload) toEvent() broker.PushEvent {
	ev := broker.PushEvent{
		Ref:          p.Ref,
		Deleted:      p.Deleted,
		Compare:      p.Compare,
		Pusher:       p.Pusher.Name,
		RepoFullName: p.Repository.FullName,
	}
	if p.HeadCommit != nil {
		ev.HeadCommitMessage = p.HeadCommit.Message
	}
	return ev
}
