package state

import "time"

// normalize runs the load-time repair pass described in spec §3/§4.B:
//   - any running Task is demoted to pending with an interrupted note.
//   - any running Job with no way to re-instate its watcher stays
//     running (the caller re-instates the watcher if a channel id is
//     known); a Job whose status is running but has no pid and no
//     exit-code file is left for the watcher to resolve as "unknown."
//   - TaskLoop fields reset to idle.
//   - AgentRun queued/running flips to null and a post-restart notice
//     is recorded.
func normalize(doc *Document) {
	now := time.Now().UTC()
	for convKey, sess := range doc.Sessions {
		for _, t := range sess.Tasks {
			if t.Status == TaskRunning {
				t.Status = TaskPending
				t.LastError = "interrupted by restart"
			}
		}

		sess.TaskLoop = TaskLoop{}

		if len(sess.Plans) > maxPlanHistory {
			sess.Plans = sess.Plans[len(sess.Plans)-maxPlanHistory:]
		}

		if sess.Run.Status == AgentRunQueued || sess.Run.Status == AgentRunRunning {
			doc.PostRestartNotices = append(doc.PostRestartNotices, PostRestartNotice{
				ConvKey:  convKey,
				Provider: sess.Run.Provider,
				Reason:   "process restarted while a run was " + string(sess.Run.Status),
				At:       now,
			})
			sess.Run = AgentRun{}
		}
	}
}
