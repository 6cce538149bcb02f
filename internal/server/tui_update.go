// ABOUTME: TUI update helpers for server
// ABOUTME: Builds status snapshots and pushes them to the TUI from the clock loop
package server

// tuiRefreshFrames is how many clock frames pass between TUI refreshes
const tuiRefreshFrames = 25

// Status returns a snapshot of server state
func (s *Server) Status() ServerStatus {
	keeper := s.engine.Keeper()
	return ServerStatus{
		Name:          s.config.Name,
		Port:          s.config.Port,
		ServerSeconds: keeper.ElapsedSeconds(),
		Frames:        keeper.UpdateCount(),
		Answered:      s.answered.Load(),
		RateLimited:   s.rateLimited.Load(),
		Clients:       s.Clients(),
	}
}

// onFrame runs on the clock loop after every keeper update
func (s *Server) onFrame(frame int64) {
	if frame%tuiRefreshFrames == 0 {
		s.updateTUI()
	}
}

// updateTUI sends current server state to TUI
func (s *Server) updateTUI() {
	if s.tui == nil {
		return
	}
	s.tui.Update(s.Status())
}
