package store

import "time"

// DefaultSnapshot is the forum layout a fresh installation starts with.
func DefaultSnapshot(now time.Time) Snapshot {
	category := func(id, slug, title, description, icon string, order int, sectionIDs ...string) Category {
		return Category{
			ID: id, Slug: slug, Title: title, Description: description, Icon: icon,
			Order: order, SectionIDs: sectionIDs, CreatedAt: now, UpdatedAt: now,
		}
	}
	section := func(id, categoryID, title, description string, order int) Section {
		return Section{
			ID: id, CategoryID: categoryID, Slug: id[len("sec-"):], Title: title, Description: description,
			Icon: "/design/img/folder.png", Order: order, CreatedAt: now, UpdatedAt: now,
		}
	}

	return Snapshot{
		Categories: []Category{
			category("cat-nomicms", "nomicms", "NomiCMS", "Обсуждение NomiCMS и связанных проектов", "/design/img/logo-red.png", 1,
				"sec-nomicms-news", "sec-nomicms-help", "sec-nomicms-releases"),
			category("cat-community", "community", "Сообщество", "Место для свободного общения и знакомств", "/design/img/forum.png", 2,
				"sec-community-general", "sec-community-showcase", "sec-community-support", "sec-community-offtopic"),
		},
		Sections: []Section{
			section("sec-nomicms-news", "cat-nomicms", "Новости и обновления", "Официальные объявления о релизах и развитии NomiCMS", 1),
			section("sec-nomicms-help", "cat-nomicms", "Помощь и вопросы", "Вопросы по установке, настройке и использованию системы", 2),
			section("sec-nomicms-releases", "cat-nomicms", "Релизы и патчи", "Обсуждение выпусков, патчей и исправлений", 3),
			section("sec-community-general", "cat-community", "Общий раздел", "Главная площадка для общих обсуждений и идей", 1),
			section("sec-community-showcase", "cat-community", "Проекты участников", "Показывайте свои работы и делитесь опытом", 2),
			section("sec-community-support", "cat-community", "Поддержка сообщества", "Вопросы модерации, правила и жалобы", 3),
			section("sec-community-offtopic", "cat-community", "Флуд и оффтоп", "Общение на свободные темы вне NomiCMS", 4),
		},
		Topics: []Topic{},
		Posts:  []Post{},
	}
}
