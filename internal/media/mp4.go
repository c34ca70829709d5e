package media

import (
	"errors"
	"io"
	"time"

	mp4 "github.com/abema/go-mp4"
)

// mp4Epoch is the offset in seconds between 1904-01-01 and the Unix epoch.
const mp4Epoch = 2082844800

func movieTime(r io.ReadSeeker, loc *time.Location) (time.Time, error) {
	boxes, err := mp4.ExtractBoxWithPayload(r, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeMvhd()})
	if err != nil {
		return time.Time{}, &NoTimestampError{Category: Movie, Err: err}
	}
	if len(boxes) == 0 {
		return time.Time{}, &NoTimestampError{Category: Movie, Err: errors.New("no moov/mvhd box")}
	}
	mvhd, ok := boxes[0].Payload.(*mp4.Mvhd)
	if !ok {
		return time.Time{}, &NoTimestampError{Category: Movie, Err: errors.New("unexpected mvhd payload")}
	}

	created, modified := uint64(mvhd.CreationTimeV0), uint64(mvhd.ModificationTimeV0)
	if mvhd.GetVersion() == 1 {
		created, modified = mvhd.CreationTimeV1, mvhd.ModificationTimeV1
	}
	secs := created
	if secs == 0 {
		secs = modified
	}
	if secs < mp4Epoch {
		return time.Time{}, &NoTimestampError{Category: Movie, Err: errors.New("mvhd creation time unset")}
	}
	return time.Unix(int64(secs-mp4Epoch), 0).In(loc), nil
}
