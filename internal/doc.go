// Package internal 實作即時多人井字棋的房間與會話中繼。
//
// 服務器持有每個房間的權威對局狀態，客戶端透過 WebSocket 送出落子，
// 服務器驗證後廣播給房間內所有成員。
//
// # 分層
//
//   - Hub / Client（websocket.go）：連接生命週期、心跳、訊息限流
//   - Router（router.go）：連接與房間的綁定，訊息分派
//   - Manager（manager.go）：房間註冊表，建立與回收
//   - Room（room.go）：玩家與觀戰者、狀態機、廣播
//   - board 子套件：純函數的棋盤規則
//
// 房間事件（建立、加入、離開、結束、回收）可選擇發布到 NATS（events.go），
// 只用於觀測，不影響對局。
//
// # 併發
//
// 每個房間一把鎖，房間之間互不影響。鎖順序固定為 Manager → Room。
// 廣播在房間鎖內以非阻塞方式送出，所有成員看到相同的狀態變更順序。
//
// # 使用範例
//
//	manager := internal.NewManager(logger, internal.NopPublisher{}, cfg.Room)
//	router := internal.NewRouter(manager, logger)
//	hub := internal.NewHub(router, cfg.WebSocket, logger)
//	handler := internal.NewHandler(manager, router, logger)
//
//	mux := http.NewServeMux()
//	mux.Handle("/", handler.Routes())
//	mux.HandleFunc("GET /ws", hub.ServeWS)
package internal
