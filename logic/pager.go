package logic

import (
	"fmt"

	"fedibot/dto"
	"fedibot/shared"
)

// ItemSource materializes one slice of an ordered sequence. Only the
// requested slice is ever realized, never the whole collection.
type ItemSource func(offset, limit int) ([]any, error)

type ICollectionPager interface {
	GetPage(collectionId string, totalItems, page int, src ItemSource) (*dto.OrderedCollection, error)
}

type collectionPager struct {
	cfg *shared.Config
}

func NewCollectionPager(cfg *shared.Config) ICollectionPager {
	return &collectionPager{cfg}
}

func (cp *collectionPager) GetPage(collectionId string, totalItems, page int, src ItemSource) (*dto.OrderedCollection, error) {

	pageSize := int(cp.cfg.PageSize)
	numPages := (totalItems + pageSize - 1) / pageSize

	// First wins when first and last coincide
	pageKey := "current"
	if page >= numPages-1 {
		pageKey = "last"
	}
	if page == 0 {
		pageKey = "first"
	}

	pageTotal := totalItems - pageSize*page
	if pageTotal > pageSize {
		pageTotal = pageSize
	}
	if pageTotal < 0 {
		pageTotal = 0
	}

	items := make([]any, 0, pageTotal)
	if pageTotal > 0 {
		var err error
		items, err = src(page*pageSize, pageTotal)
		if err != nil {
			return nil, err
		}
	}

	res := dto.OrderedCollection{
		Context:    dto.ActivityStreamsContext,
		Id:         collectionId,
		TotalItems: totalItems,
		PageKey:    pageKey,
		Page: &dto.OrderedCollectionPage{
			Type:         "OrderedCollectionPage",
			TotalItems:   pageTotal,
			PartOf:       collectionId,
			OrderedItems: items,
			Id:           fmt.Sprintf("%s?page=%d", collectionId, page),
		},
	}
	return &res, nil
}
