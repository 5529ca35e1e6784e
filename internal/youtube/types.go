package youtube

type channelListResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
	} `json:"items"`
}

type searchResponse struct {
	Items []struct {
		ID struct {
			Kind      string `json:"kind"`
			ChannelID string `json:"channelId"`
			VideoID   string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			Title        string     `json:"title"`
			ChannelTitle string     `json:"channelTitle"`
			PublishedAt  string     `json:"publishedAt"`
			Thumbnails   thumbnails `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
}

type thumbnail struct {
	URL string `json:"url"`
}

type thumbnails struct {
	Default thumbnail `json:"default"`
	Medium  thumbnail `json:"medium"`
	High    thumbnail `json:"high"`
}

func (t thumbnails) best() string {
	for _, u := range []string{t.High.URL, t.Medium.URL, t.Default.URL} {
		if u != "" {
			return u
		}
	}
	return ""
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
