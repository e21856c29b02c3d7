package dto

type CreateSessionRequest struct {
	ID          string `json:"id,omitempty"`
	ChannelType string `json:"channel_type,omitempty"`
}

type RenameSessionRequest struct {
	Title string `json:"title"`
}

type PutWorkspaceFileRequest struct {
	Content string `json:"content"`
}
