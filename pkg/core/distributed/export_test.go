package distributed

// ArrivedRanks returns how many ranks are waiting in the collective call being assembled.
func ArrivedRanks(g *LocalGroup) int {
	g.hub.mu.Lock()
	defer g.hub.mu.Unlock()
	return g.hub.round.arrived
}
