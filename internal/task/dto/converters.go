package dto

import "github.com/searle-dev/anywork/internal/task/models"

func FromSession(session *models.Session) SessionDTO {
	return SessionDTO{
		ID:          session.ID,
		ChannelType: session.ChannelType,
		Title:       session.Title,
		CreatedAt:   session.CreatedAt,
		LastActive:  session.LastActive,
	}
}

func FromSessions(sessions []*models.Session) []SessionDTO {
	out := make([]SessionDTO, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, FromSession(s))
	}
	return out
}

func FromTask(task *models.Task) TaskDTO {
	var skills []string
	for _, skill := range task.Skills {
		skills = append(skills, skill.Name)
	}
	return TaskDTO{
		ID:               task.ID,
		SessionID:        task.SessionID,
		ChannelType:      task.ChannelType,
		Status:           string(task.Status),
		Message:          task.Message,
		Skills:           skills,
		Result:           task.Result,
		StructuredOutput: task.StructuredOutput,
		Error:            task.Error,
		CostUSD:          task.CostUSD,
		NumTurns:         task.NumTurns,
		DurationMS:       task.DurationMS,
		WorkerID:         task.WorkerID,
		CreatedAt:        task.CreatedAt,
		StartedAt:        task.StartedAt,
		FinishedAt:       task.FinishedAt,
	}
}

func FromTasks(tasks []*models.Task) []TaskDTO {
	out := make([]TaskDTO, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, FromTask(t))
	}
	return out
}

func FromTaskLog(entry *models.TaskLog) TaskLogDTO {
	return TaskLogDTO{
		Seq:       entry.Seq,
		Type:      entry.Type,
		Content:   entry.Content,
		Metadata:  entry.Metadata,
		CreatedAt: entry.CreatedAt,
	}
}

func FromTaskLogs(entries []*models.TaskLog) []TaskLogDTO {
	out := make([]TaskLogDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, FromTaskLog(e))
	}
	return out
}
