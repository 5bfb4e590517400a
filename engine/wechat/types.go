package wechat

import "time"

// baseResp is the envelope status common to platform API responses.
type baseResp struct {
	Ret    int    `json:"ret"`
	ErrMsg string `json:"err_msg"`
}

// searchBizResponse is the response to action=search_biz.
type searchBizResponse struct {
	BaseResp baseResp        `json:"base_resp"`
	List     []searchBizItem `json:"list"`
}

type searchBizItem struct {
	FakeID   string `json:"fakeid"`
	Nickname string `json:"nickname"`
	Alias    string `json:"alias"`
}

// publishResponse is the response to sub=list. The publish page arrives as a
// JSON document serialized into a string field.
type publishResponse struct {
	BaseResp    baseResp `json:"base_resp"`
	PublishPage string   `json:"publish_page"`
}

// publishPage is the decoded publish_page string.
type publishPage struct {
	PublishList []publishListItem `json:"publish_list"`
	TotalCount  int               `json:"total_count"`
}

// publishListItem carries publish_info, itself a JSON string.
type publishListItem struct {
	PublishInfo string `json:"publish_info"`
}

// publishInfo is the decoded publish_info string.
type publishInfo struct {
	AppMsgEx []appMsgEx `json:"appmsgex"`
}

// appMsgEx is one published article entry.
type appMsgEx struct {
	Title      string `json:"title"`
	Link       string `json:"link"`
	CreateTime int64  `json:"create_time"`
}

// cst is the zone publish timestamps are rendered in.
var cst = time.FixedZone("CST", 8*60*60)

// PublishTime converts a platform create_time (seconds) to a timestamp at
// minute granularity in UTC+8, matching how the platform displays it.
func PublishTime(sec int64) time.Time {
	return time.Unix(sec-sec%60, 0).In(cst)
}
