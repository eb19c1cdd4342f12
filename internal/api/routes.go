package api

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/ws", s.handleWebSocket)

	v1 := s.router.Group("/api")
	{
		v1.POST("/start_analysis", s.handleStartAnalysis)
		v1.GET("/status", s.handleStatus)
		v1.GET("/health", s.handleHealth)

		v1.GET("/portfolio", s.handlePortfolio)
		v1.GET("/news", s.handleNews)

		v1.GET("/agent_opinions", s.handleOpinions)
		v1.GET("/aggregated_decisions", s.handleDecisions)
		v1.GET("/risk_assessments", s.handleRiskAssessments)
		v1.GET("/recommendations", s.handleRecommendations)

		v1.GET("/backtest", s.handleBacktest)

		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
	}
}
